package ops

// Detail describes one operation in the discovery listing.
type Detail struct {
	Category    Category             `json:"category"`
	Description string               `json:"description"`
	Parameters  map[string]ParamInfo `json:"parameters"`
}

// Catalog is the discovery listing served to clients.
type Catalog struct {
	Operations map[Category][]string `json:"operations"`
	Details    map[string]Detail     `json:"operation_details"`
}

// Describe builds the discovery listing of r.
func Describe(r *Registry) Catalog {
	c := Catalog{
		Operations: r.ByCategory(),
		Details:    make(map[string]Detail, r.Len()),
	}
	for _, op := range r.Operations() {
		params := make(map[string]ParamInfo)
		for _, p := range op.Parameters() {
			params[p.Name] = p
		}
		c.Details[op.Name] = Detail{Category: op.Category, Description: op.Summary, Parameters: params}
	}
	return c
}
