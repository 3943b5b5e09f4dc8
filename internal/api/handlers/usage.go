package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/irfndi/optiroute/internal/middleware"
	"github.com/irfndi/optiroute/internal/models"
)

// UsageQuerier is the read side of the usage log.
type UsageQuerier interface {
	DailyCost(ctx context.Context, date time.Time, orgID string) (decimal.Decimal, error)
	Summary(ctx context.Context, start, end time.Time) ([]models.UsageSummary, error)
}

// OrganizationLookup resolves organization budgets.
type OrganizationLookup interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error)
}

// UsageHandler reports spend against organization budgets.
type UsageHandler struct {
	usage UsageQuerier
	orgs  OrganizationLookup
	now   func() time.Time
}

func NewUsageHandler(usage UsageQuerier, orgs OrganizationLookup) *UsageHandler {
	return &UsageHandler{usage: usage, orgs: orgs, now: time.Now}
}

// BudgetStatusResponse is the body of GET /api/v1/usage/budget.
type BudgetStatusResponse struct {
	OrganizationID string  `json:"organization_id"`
	Date           string  `json:"date"`
	Used           string  `json:"used"`
	Limit          string  `json:"limit,omitempty"`
	Remaining      string  `json:"remaining,omitempty"`
	Percent        float64 `json:"percent_used"`
	Exceeded       bool    `json:"exceeded"`
	Unlimited      bool    `json:"unlimited"`
}

// GetBudgetStatus reports today's spend for the caller's organization.
func (h *UsageHandler) GetBudgetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	orgID := c.Query("organization_id")
	if orgID == "" {
		orgID = c.GetHeader(middleware.OrganizationHeader)
	}
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}

	org, found, err := h.orgs.GetOrganization(ctx, orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load organization"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
		return
	}

	today := h.now().UTC()
	used, err := h.usage.DailyCost(ctx, today, orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get daily usage"})
		return
	}

	resp := BudgetStatusResponse{
		OrganizationID: orgID,
		Date:           today.Format(time.DateOnly),
		Used:           used.StringFixed(4),
	}
	budget := decimal.NewFromFloat(org.DailyBudgetUSD)
	if !budget.IsPositive() {
		resp.Unlimited = true
		c.JSON(http.StatusOK, resp)
		return
	}

	remaining := budget.Sub(used)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	resp.Limit = budget.StringFixed(4)
	resp.Remaining = remaining.StringFixed(4)
	resp.Percent, _ = used.Div(budget).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	resp.Exceeded = used.GreaterThanOrEqual(budget)
	c.JSON(http.StatusOK, resp)
}

// GetSummary groups spend by provider and model over the last ?days (1..90, default 1).
func (h *UsageHandler) GetSummary(c *gin.Context) {
	days := 1
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 90 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 90"})
			return
		}
		days = n
	}

	end := h.now().UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	summary, err := h.usage.Summary(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to summarize usage"})
		return
	}
	if summary == nil {
		summary = []models.UsageSummary{}
	}
	c.JSON(http.StatusOK, gin.H{
		"from":    start,
		"to":      end,
		"summary": summary,
	})
}
