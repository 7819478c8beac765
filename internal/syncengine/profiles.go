package syncengine

// App-type profiles map an app label to the models it cares about. A nil
// set means the app sees everything. Unknown labels fall back to the
// mobile profile.
var appProfiles = map[string][]string{
	"sales_app":     {"sale.order", "res.partner", "product.product"},
	"delivery_app":  {"stock.picking", "res.partner"},
	"warehouse_app": {"stock.picking", "product.product"},
	"manager_app":   nil,
	"mobile_app":    nil,
}

const defaultAppType = "mobile_app"

// profileFor maps unknown labels to the default profile but keeps the
// caller's label on the cursor key so their history stays theirs.
func profileFor(appType string) []string {
	if p, ok := appProfiles[appType]; ok {
		return p
	}
	return appProfiles[defaultAppType]
}

// allowedModels computes the delivery filter: the union of the explicit
// request filter and the app profile. A nil profile (sees everything)
// makes the union unbounded regardless of the filter.
func allowedModels(appType string, modelFilter []string) []string {
	profile := profileFor(appType)
	if profile == nil {
		return nil
	}
	if len(modelFilter) == 0 {
		return profile
	}

	seen := make(map[string]bool, len(profile)+len(modelFilter))
	union := make([]string, 0, len(profile)+len(modelFilter))
	for _, m := range profile {
		if !seen[m] {
			seen[m] = true
			union = append(union, m)
		}
	}
	for _, m := range modelFilter {
		if !seen[m] {
			seen[m] = true
			union = append(union, m)
		}
	}
	return union
}
