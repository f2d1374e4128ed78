package features

import "sort"

// Feature names a capability namespace that can be switched per tenant.
type Feature string

const (
	BlogModule     Feature = "blog_module"
	ServicesModule Feature = "services_module"
	CasesModule    Feature = "cases_module"
	ReviewsModule  Feature = "reviews_module"
)

// Definition is a catalog entry.
type Definition struct {
	Name        Feature `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Default     bool    `json:"default" yaml:"default"`
}

func defaultCatalog() map[Feature]Definition {
	return map[Feature]Definition{
		BlogModule:     {Name: BlogModule, Description: "Articles and blog publishing", Default: true},
		ServicesModule: {Name: ServicesModule, Description: "Service catalog pages", Default: true},
		CasesModule:    {Name: CasesModule, Description: "Case studies", Default: true},
		ReviewsModule:  {Name: ReviewsModule, Description: "Customer reviews", Default: true},
	}
}

func defaultNamespaces() map[string]Feature {
	return map[string]Feature{
		"articles": BlogModule,
		"services": ServicesModule,
		"cases":    CasesModule,
		"reviews":  ReviewsModule,
	}
}

// Known reports whether name is part of the fixed catalog.
func Known(name string) bool {
	_, ok := defaultCatalog()[Feature(name)]
	return ok
}

func sortedNames(catalog map[Feature]Definition) []Feature {
	names := make([]Feature, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
