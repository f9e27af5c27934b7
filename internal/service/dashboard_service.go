package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/priority"
	"github.com/ryan11yuan/gravitas/internal/source"
)

// DashboardSort selects the dashboard ordering.
type DashboardSort string

const (
	SortByScore DashboardSort = "score"
	SortByDue   DashboardSort = "due"
	SortByTitle DashboardSort = "title"
)

// ParseDashboardSort resolves a sort key, defaulting to score.
func ParseDashboardSort(value string) (DashboardSort, bool) {
	switch DashboardSort(strings.ToLower(strings.TrimSpace(value))) {
	case "", SortByScore:
		return SortByScore, true
	case SortByDue:
		return SortByDue, true
	case SortByTitle:
		return SortByTitle, true
	default:
		return "", false
	}
}

// DashboardQuery filters and orders the dashboard. An empty Bucket keeps every bucket.
type DashboardQuery struct {
	Search  string
	Bucket  priority.Bucket
	Sort    DashboardSort
	Refresh bool
}

// DashboardItem is one ranked row of the dashboard.
type DashboardItem struct {
	Rank int `json:"rank"`
	models.AnalyzedAssignment
	Priority int             `json:"priority"`
	Bucket   priority.Bucket `json:"bucket"`
	DaysLeft *int            `json:"days_left"`
}

// DashboardSummary counts rows before filtering, except Matched.
type DashboardSummary struct {
	Total    int `json:"total"`
	Matched  int `json:"matched"`
	Easy     int `json:"easy"`
	Medium   int `json:"medium"`
	Hard     int `json:"hard"`
	Analyzed int `json:"analyzed"`
	Undated  int `json:"undated"`
}

// Dashboard is the prioritized view of a session's coursework.
type Dashboard struct {
	Items     []DashboardItem  `json:"items"`
	Summary   DashboardSummary `json:"summary"`
	Sources   []SourceReport   `json:"sources"`
	FetchedAt time.Time        `json:"fetched_at"`
	Cached    bool             `json:"cached"`
}

// DashboardService builds the prioritized dashboard and its spreadsheet export.
type DashboardService interface {
	GetDashboard(ctx context.Context, session source.Session, query DashboardQuery) (Dashboard, error)
	Export(ctx context.Context, session source.Session, query DashboardQuery) ([]byte, error)
}

type dashboardService struct {
	aggregation AggregationService
	enrichment  EnrichmentService
	logger      zerolog.Logger
	now         func() time.Time
}

// NewDashboardService joins aggregation output with completed analyses. enrichment may be nil.
func NewDashboardService(aggregation AggregationService, enrichment EnrichmentService, logger zerolog.Logger) DashboardService {
	return &dashboardService{
		aggregation: aggregation,
		enrichment:  enrichment,
		logger:      logger.With().Str("component", "dashboard_service").Logger(),
		now:         time.Now,
	}
}

func (s *dashboardService) GetDashboard(ctx context.Context, session source.Session, query DashboardQuery) (Dashboard, error) {
	aggregation, err := s.aggregation.Aggregate(ctx, session, query.Refresh)
	if err != nil {
		return Dashboard{}, err
	}

	var analyzed []models.AnalyzedAssignment
	if s.enrichment != nil {
		analyzed = s.enrichment.Attach(session, aggregation.Assignments)
	} else {
		analyzed = make([]models.AnalyzedAssignment, 0, len(aggregation.Assignments))
		for _, assignment := range aggregation.Assignments {
			analyzed = append(analyzed, models.AnalyzedAssignment{CommonAssignment: assignment})
		}
	}

	now := s.now()
	rows := make([]DashboardItem, 0, len(analyzed))
	summary := DashboardSummary{Total: len(analyzed)}
	for _, assignment := range analyzed {
		row := buildDashboardItem(assignment, now)
		summary.count(row)
		rows = append(rows, row)
	}

	items := filterDashboard(rows, query)
	sortDashboard(items, query.Sort)
	for i := range items {
		items[i].Rank = i + 1
	}
	summary.Matched = len(items)

	return Dashboard{
		Items:     items,
		Summary:   summary,
		Sources:   aggregation.Sources,
		FetchedAt: aggregation.FetchedAt,
		Cached:    aggregation.Cached,
	}, nil
}

var exportHeaders = []interface{}{
	"Rank", "Priority", "Bucket", "Course", "Title", "Source", "Due", "Days Left",
	"Points (%)", "Class Average (%)", "Difficulty", "Score (0-10)", "Estimated Hours", "Summary",
}

func (s *dashboardService) Export(ctx context.Context, session source.Session, query DashboardQuery) ([]byte, error) {
	dashboard, err := s.GetDashboard(ctx, session, query)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close dashboard workbook")
		}
	}()

	sheetName := "Dashboard"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("failed to name dashboard sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &exportHeaders); err != nil {
		return nil, fmt.Errorf("failed to write dashboard headers: %w", err)
	}

	for index, item := range dashboard.Items {
		cell, err := excelize.CoordinatesToCellName(1, index+2)
		if err != nil {
			return nil, err
		}
		row := exportRow(item)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write dashboard row %d: %w", index+1, err)
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to freeze dashboard header row")
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write dashboard workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func exportRow(item DashboardItem) []interface{} {
	row := []interface{}{item.Rank, item.Priority, string(item.Bucket), item.Course, item.Title, string(item.Source)}

	if item.DueAt != nil {
		row = append(row, item.DueAt.UTC().Format("2006-01-02 15:04"))
	} else {
		row = append(row, "")
	}
	if item.DaysLeft != nil {
		row = append(row, *item.DaysLeft)
	} else {
		row = append(row, "")
	}
	if item.Points != nil {
		row = append(row, *item.Points*100)
	} else {
		row = append(row, "")
	}
	if item.Average != nil {
		row = append(row, *item.Average)
	} else {
		row = append(row, "")
	}

	if item.Analysis != nil {
		row = append(row, string(item.Analysis.Difficulty), item.Analysis.Score, item.Analysis.EstimatedTime, item.Analysis.Summary)
	} else {
		row = append(row, "", "", "", "")
	}
	return row
}

func buildDashboardItem(assignment models.AnalyzedAssignment, now time.Time) DashboardItem {
	var weight *float64
	if assignment.Points != nil {
		value := *assignment.Points * 100
		weight = &value
	}

	score := priority.Score(assignment.DueAt, weight, now)
	item := DashboardItem{
		AnalyzedAssignment: assignment,
		Priority:           score,
		Bucket:             priority.BucketFor(score),
	}
	if assignment.DueAt != nil {
		days := int(priority.DaysUntil(assignment.DueAt, now))
		item.DaysLeft = &days
	}
	return item
}

func (s *DashboardSummary) count(item DashboardItem) {
	switch item.Bucket {
	case priority.BucketEasy:
		s.Easy++
	case priority.BucketMedium:
		s.Medium++
	case priority.BucketHard:
		s.Hard++
	}
	if item.Analysis != nil {
		s.Analyzed++
	}
	if item.DueAt == nil {
		s.Undated++
	}
}

func filterDashboard(rows []DashboardItem, query DashboardQuery) []DashboardItem {
	search := strings.ToLower(strings.TrimSpace(query.Search))

	out := make([]DashboardItem, 0, len(rows))
	for _, row := range rows {
		if query.Bucket != "" && row.Bucket != query.Bucket {
			continue
		}
		if search != "" && !matchesSearch(row, search) {
			continue
		}
		out = append(out, row)
	}
	return out
}

func matchesSearch(row DashboardItem, search string) bool {
	if strings.Contains(strings.ToLower(row.Title), search) || strings.Contains(strings.ToLower(row.Course), search) {
		return true
	}
	return row.Analysis != nil && strings.Contains(strings.ToLower(row.Analysis.Summary), search)
}

func sortDashboard(items []DashboardItem, key DashboardSort) {
	switch key {
	case SortByDue:
		sort.SliceStable(items, func(i, j int) bool {
			left, right := items[i].DueAt, items[j].DueAt
			if left == nil || right == nil {
				return left != nil && right == nil
			}
			return left.Before(*right)
		})
	case SortByTitle:
		sort.SliceStable(items, func(i, j int) bool {
			return strings.ToLower(items[i].Title) < strings.ToLower(items[j].Title)
		})
	default:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Priority > items[j].Priority
		})
	}
}
