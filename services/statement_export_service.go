package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"app-hivepay/models"
	"app-hivepay/repositories"
)

// StatementExportService renders per-group statements for members and
// admins: an XLSX workbook with the full payment/payout history, and a PDF
// receipt for one payout.
type StatementExportService struct {
	db             *gorm.DB
	groupRepo      repositories.GroupRepository
	membershipRepo repositories.MembershipRepository
	payoutRepo     repositories.PayoutRepository
}

// NewStatementExportService creates a statement export service
func NewStatementExportService(
	db *gorm.DB,
	groupRepo repositories.GroupRepository,
	membershipRepo repositories.MembershipRepository,
	payoutRepo repositories.PayoutRepository,
) *StatementExportService {
	return &StatementExportService{
		db:             db,
		groupRepo:      groupRepo,
		membershipRepo: membershipRepo,
		payoutRepo:     payoutRepo,
	}
}

// ExportGroupStatement builds the XLSX statement for a group
func (s *StatementExportService) ExportGroupStatement(ctx context.Context, groupID uint) ([]byte, error) {
	group, err := s.groupRepo.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var payments []models.Payment
	if err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("cycle_number ASC, membership_id ASC").
		Find(&payments).Error; err != nil {
		return nil, err
	}
	payouts, err := s.payoutRepo.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Payments"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Cycle", "Member", "Amount", "Fee", "Status", "Retries", "Date"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}
	for row, p := range payments {
		values := []interface{}{
			p.CycleNumber,
			p.MembershipID,
			p.Amount.StringFixed(2),
			p.Fee.StringFixed(2),
			p.Status,
			p.RetryCount,
			p.CreatedAt.Format("2006-01-02"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	payoutSheet := "Payouts"
	if _, err := f.NewSheet(payoutSheet); err != nil {
		return nil, err
	}
	payoutHeaders := []string{"Cycle", "Payee", "Amount", "Status", "Date"}
	for i, h := range payoutHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(payoutSheet, cell, h)
	}
	for row, p := range payouts {
		values := []interface{}{
			p.CycleNumber,
			p.MembershipID,
			p.Amount.StringFixed(2),
			p.Status,
			p.CreatedAt.Format("2006-01-02"),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(payoutSheet, cell, v)
		}
	}

	summarySheet := "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	f.SetCellValue(summarySheet, "A1", "Group")
	f.SetCellValue(summarySheet, "B1", group.Name)
	f.SetCellValue(summarySheet, "A2", "Status")
	f.SetCellValue(summarySheet, "B2", group.Status)
	f.SetCellValue(summarySheet, "A3", "Contribution")
	f.SetCellValue(summarySheet, "B3", group.ContributionAmount.StringFixed(2))
	f.SetCellValue(summarySheet, "A4", "Total Debited")
	f.SetCellValue(summarySheet, "B4", group.TotalDebited.StringFixed(2))
	f.SetCellValue(summarySheet, "A5", "Total Success")
	f.SetCellValue(summarySheet, "B5", group.TotalSuccess.StringFixed(2))

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportPayoutReceipt renders a PDF receipt for one cycle's payout
func (s *StatementExportService) ExportPayoutReceipt(ctx context.Context, groupID uint, cycleNumber int) ([]byte, error) {
	group, err := s.groupRepo.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	payout, err := s.payoutRepo.FindByCycle(s.db.WithContext(ctx), groupID, cycleNumber)
	if err != nil {
		return nil, err
	}
	payee, err := s.membershipRepo.FindByID(ctx, payout.MembershipID)
	if err != nil {
		return nil, err
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, "HivePay Payout Receipt")
	pdf.Ln(14)

	pdf.SetFont("Arial", "", 11)
	lines := []string{
		fmt.Sprintf("Group: %s", group.Name),
		fmt.Sprintf("Cycle: %d", payout.CycleNumber),
		fmt.Sprintf("Payee member: %d (payout order %d)", payee.ID, payee.PayoutOrder),
		fmt.Sprintf("Amount: %s", payout.Amount.StringFixed(2)),
		fmt.Sprintf("Status: %s", payout.Status),
		fmt.Sprintf("Transfer reference: %s", payout.GatewayTransferID),
		fmt.Sprintf("Date: %s", payout.CreatedAt.Format("2006-01-02")),
	}
	for _, line := range lines {
		pdf.Cell(0, 8, line)
		pdf.Ln(8)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
