package report

import (
	"fmt"
	"time"

	"card-trader/internal/models"
	"card-trader/internal/store"

	"github.com/xuri/excelize/v2"
)

const (
	prioritySheet = "Priorities"
	decisionSheet = "Decisions"
)

// reportStore 导出报表需要的查询能力
type reportStore interface {
	TopPriorities(marketplace models.Marketplace, limit int) ([]models.PriorityRecord, error)
	LatestDecisions(marketplace models.Marketplace, limit int) ([]models.BuyDecision, error)
}

// Exporter 把最近的优先级和决策导出为Excel工作簿，给采购人员离线查看
type Exporter struct {
	store       reportStore
	marketplace models.Marketplace
}

// NewExporter 创建导出器
func NewExporter(s reportStore, marketplace models.Marketplace) *Exporter {
	return &Exporter{store: s, marketplace: marketplace}
}

// WriteWorkbook 生成两个sheet（优先级、决策）并保存到path
func (e *Exporter) WriteWorkbook(path string, limit int) error {
	priorities, err := e.store.TopPriorities(e.marketplace, limit)
	if err != nil {
		return fmt.Errorf("failed to load priorities for report: %w", err)
	}
	decisions, err := e.store.LatestDecisions(e.marketplace, limit)
	if err != nil {
		return fmt.Errorf("failed to load decisions for report: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", prioritySheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(decisionSheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	if err := writePrioritySheet(f, priorities); err != nil {
		return err
	}
	if err := writeDecisionSheet(f, decisions); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func writePrioritySheet(f *excelize.File, rows []models.PriorityRecord) error {
	headers := []string{
		"SKU ID", "Marketplace", "Uptrend", "Breakout", "Value", "Activity",
		"Snapshot", "Staleness", "Sales 30d", "Priority", "Updated At",
	}
	if err := writeRow(f, prioritySheet, 1, toCells(headers)); err != nil {
		return err
	}

	for i, row := range rows {
		cells := []interface{}{
			row.SKUID, string(row.Marketplace),
			row.UptrendScore, row.BreakoutScore, row.ValueScore, row.ActivityScore,
			row.SnapshotScore, row.StalenessScore, row.SalesCount, row.PriorityScore,
			row.UpdatedAt.Format(time.RFC3339),
		}
		if err := writeRow(f, prioritySheet, i+2, cells); err != nil {
			return err
		}
	}

	return f.SetColWidth(prioritySheet, "A", "K", 14)
}

func writeDecisionSheet(f *excelize.File, rows []models.BuyDecision) error {
	headers := []string{
		"SKU ID", "Marketplace", "Decision", "Quantity", "Buy VWAP",
		"Expected Net Each", "Reasons", "Listings As Of", "Created At",
	}
	if err := writeRow(f, decisionSheet, 1, toCells(headers)); err != nil {
		return err
	}

	for i, row := range rows {
		cells := []interface{}{
			row.SKUID, string(row.Marketplace), string(row.Decision),
			row.Quantity, row.BuyVWAP, row.ExpectedNetEach, row.ReasonCodes,
			row.ListingsAsOf.Format(time.RFC3339), row.CreatedAt.Format(time.RFC3339),
		}
		if err := writeRow(f, decisionSheet, i+2, cells); err != nil {
			return err
		}
	}

	return f.SetColWidth(decisionSheet, "A", "I", 16)
}

func writeRow(f *excelize.File, sheet string, rowNum int, cells []interface{}) error {
	for col, value := range cells {
		name, err := excelize.CoordinatesToCellName(col+1, rowNum)
		if err != nil {
			return fmt.Errorf("failed to build cell name: %w", err)
		}
		if err := f.SetCellValue(sheet, name, value); err != nil {
			return fmt.Errorf("failed to write cell %s: %w", name, err)
		}
	}
	return nil
}

func toCells(headers []string) []interface{} {
	out := make([]interface{}, len(headers))
	for i, h := range headers {
		out[i] = h
	}
	return out
}

var _ reportStore = (*store.Store)(nil)
