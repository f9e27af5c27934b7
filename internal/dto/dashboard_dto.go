package dto

// DashboardRequest captures dashboard query params.
type DashboardRequest struct {
	Search     string `query:"q" validate:"max=200"`
	Difficulty string `query:"difficulty" validate:"omitempty,oneof=easy medium hard Easy Medium Hard all All"`
	Sort       string `query:"sort" validate:"omitempty,oneof=score due title"`
	Refresh    bool   `query:"refresh"`
}

// DashboardFilters echoes the applied filters.
type DashboardFilters struct {
	Search     string `json:"search,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Sort       string `json:"sort"`
}
