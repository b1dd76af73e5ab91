package recon

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"parapay/observability"
)

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		key := row.MerchantID + "|" + strings.ToUpper(row.FiatCurrency)
		grouped[key] = append(grouped[key], row)
	}
	return grouped
}

func (r *Reconciler) writeReportFiles(baseDir string, rows []*ReportRow) (ReportFile, error) {
	if len(rows) == 0 {
		return ReportFile{}, nil
	}
	merchantSlug := slugify(rows[0].MerchantID)
	if merchantSlug == "" {
		merchantSlug = "unknown"
	}
	currency := strings.ToUpper(rows[0].FiatCurrency)
	filename := fmt.Sprintf("%s_%s", merchantSlug, currency)

	csvPath := filepath.Join(baseDir, filename+".csv")
	err := writeCSV(csvPath, rows)
	observability.Recon().RecordExport("csv", err)
	if err != nil {
		return ReportFile{}, err
	}

	parquetPath := filepath.Join(baseDir, filename+".parquet")
	err = writeParquet(parquetPath, rows)
	observability.Recon().RecordExport("parquet", err)
	if err != nil {
		return ReportFile{}, err
	}

	r.logger.Info("settlement report written",
		"csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return ReportFile{
		MerchantID:  rows[0].MerchantID,
		Currency:    currency,
		CSVPath:     csvPath,
		ParquetPath: parquetPath,
		Count:       len(rows),
	}, nil
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"intent_id", "merchant_id", "status", "fiat_amount_minor", "fiat_currency",
		"crypto_amount", "crypto_currency", "quote_rate", "escrow_payment_id",
		"escrow_state", "escrow_amount", "escrow_deposited", "release_tx", "refund_tx",
		"missing_escrow", "amount_mismatch", "stuck_processing", "reconcile_required",
		"reconcile_reason", "quote_drift_minor", "created_at", "updated_at",
		"expires_at", "settle_latency_minutes",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.IntentID,
			row.MerchantID,
			row.Status,
			strconv.FormatInt(row.FiatAmount, 10),
			row.FiatCurrency,
			row.CryptoAmount,
			row.CryptoCurrency,
			row.QuoteRate,
			row.EscrowPaymentID,
			row.EscrowState,
			row.EscrowAmount,
			row.EscrowDeposited,
			row.ReleaseTx,
			row.RefundTx,
			boolString(row.MissingEscrow),
			boolString(row.AmountMismatch),
			boolString(row.StuckProcessing),
			boolString(row.ReconcileRequired),
			row.ReconcileReason,
			strconv.FormatInt(row.QuoteDriftMinor, 10),
			row.CreatedAt.Format(time.RFC3339),
			row.UpdatedAt.Format(time.RFC3339),
			row.ExpiresAt.Format(time.RFC3339),
			formatMinutes(row.SettleLatency),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	IntentID             string  `parquet:"name=intent_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MerchantID           string  `parquet:"name=merchant_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status               string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	FiatAmountMinor      int64   `parquet:"name=fiat_amount_minor, type=INT64"`
	FiatCurrency         string  `parquet:"name=fiat_currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	CryptoAmount         string  `parquet:"name=crypto_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CryptoCurrency       string  `parquet:"name=crypto_currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuoteRate            string  `parquet:"name=quote_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowPaymentID      string  `parquet:"name=escrow_payment_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowState          string  `parquet:"name=escrow_state, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowAmount         string  `parquet:"name=escrow_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowDeposited      string  `parquet:"name=escrow_deposited, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReleaseTx            string  `parquet:"name=release_tx, type=BYTE_ARRAY, convertedtype=UTF8"`
	RefundTx             string  `parquet:"name=refund_tx, type=BYTE_ARRAY, convertedtype=UTF8"`
	MissingEscrow        bool    `parquet:"name=missing_escrow, type=BOOLEAN"`
	AmountMismatch       bool    `parquet:"name=amount_mismatch, type=BOOLEAN"`
	StuckProcessing      bool    `parquet:"name=stuck_processing, type=BOOLEAN"`
	ReconcileRequired    bool    `parquet:"name=reconcile_required, type=BOOLEAN"`
	ReconcileReason      string  `parquet:"name=reconcile_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuoteDriftMinor      int64   `parquet:"name=quote_drift_minor, type=INT64"`
	CreatedAt            string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt            string  `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiresAt            string  `parquet:"name=expires_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettleLatencyMinutes float64 `parquet:"name=settle_latency_minutes, type=DOUBLE"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			IntentID:             row.IntentID,
			MerchantID:           row.MerchantID,
			Status:               row.Status,
			FiatAmountMinor:      row.FiatAmount,
			FiatCurrency:         row.FiatCurrency,
			CryptoAmount:         row.CryptoAmount,
			CryptoCurrency:       row.CryptoCurrency,
			QuoteRate:            row.QuoteRate,
			EscrowPaymentID:      row.EscrowPaymentID,
			EscrowState:          row.EscrowState,
			EscrowAmount:         row.EscrowAmount,
			EscrowDeposited:      row.EscrowDeposited,
			ReleaseTx:            row.ReleaseTx,
			RefundTx:             row.RefundTx,
			MissingEscrow:        row.MissingEscrow,
			AmountMismatch:       row.AmountMismatch,
			StuckProcessing:      row.StuckProcessing,
			ReconcileRequired:    row.ReconcileRequired,
			ReconcileReason:      row.ReconcileReason,
			QuoteDriftMinor:      row.QuoteDriftMinor,
			CreatedAt:            row.CreatedAt.Format(time.RFC3339),
			UpdatedAt:            row.UpdatedAt.Format(time.RFC3339),
			ExpiresAt:            row.ExpiresAt.Format(time.RFC3339),
			SettleLatencyMinutes: minutesFloat(row.SettleLatency),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func minutesFloat(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Minutes()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func formatMinutes(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", d.Minutes())
}

func slugify(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}
	cleaned := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			cleaned = append(cleaned, r)
		case r == ' ' || r == '/' || r == ':':
			cleaned = append(cleaned, '-')
		}
	}
	return strings.Trim(string(cleaned), "-")
}
