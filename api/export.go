package api

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/warp/iso-pricing/pricing"
)

var settlementHeadings = []string{
	"Customer ID", "Customer", "Transactions", "Gross", "Fees", "Supplier cost", "Commission", "Net",
}

// SettlementWorkbook builds the repasse spreadsheet for one period. names
// maps customer ids to display names; unknown ids are left blank.
func SettlementWorkbook(records []pricing.SettlementRecord, names map[pricing.CustomerID]string, year, month int) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := fmt.Sprintf("Repasse %04d-%02d", year, month)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		f.Close()
		return nil, err
	}

	for i, h := range settlementHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			f.Close()
			return nil, err
		}
	}

	moneyFmt := "#,##0.00"
	money, err := f.NewStyle(&excelize.Style{CustomNumFmt: &moneyFmt})
	if err != nil {
		f.Close()
		return nil, err
	}

	for i, r := range records {
		row := i + 2
		values := []any{
			string(r.CustomerID),
			names[r.CustomerID],
			r.TransactionCount,
			r.GrossAmount.InexactFloat64(),
			r.FeeAmount.InexactFloat64(),
			r.CostAmount.InexactFloat64(),
			r.CommissionAmount.InexactFloat64(),
			r.NetAmount.InexactFloat64(),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	if len(records) > 0 {
		first, _ := excelize.CoordinatesToCellName(4, 2)
		last, _ := excelize.CoordinatesToCellName(len(settlementHeadings), len(records)+1)
		if err := f.SetCellStyle(sheet, first, last, money); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}
