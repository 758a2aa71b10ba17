package request

// Query is a store-level retrieval built from the working request.
type Query struct {
	Filters    map[string]Filter
	IDs        []int64
	Restricted bool
	Return     []string
	Sort       []Sort
	Limit      int
	Offset     int
}

// BuildQuery assembles the query the store executes for this request.
func (r *Request) BuildQuery() (Query, error) {
	filters, err := r.Filters()
	if err != nil {
		return Query{}, err
	}
	ids, restricted := r.IDRestriction()
	return Query{
		Filters:    filters,
		IDs:        ids,
		Restricted: restricted,
		Return:     r.ReturnFields(),
		Sort:       r.WorkingSorting(),
		Limit:      r.Limit(),
		Offset:     r.Offset(),
	}, nil
}
