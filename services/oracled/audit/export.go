package audit

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"
)

// ExportFile describes one written artifact.
type ExportFile struct {
	Path   string `json:"path"`
	Rows   int    `json:"rows"`
	Digest string `json:"blake3"`
}

// AssetSummary aggregates the event history of one asset.
type AssetSummary struct {
	Asset          string         `json:"asset"`
	Events         int            `json:"events"`
	ByStatus       map[string]int `json:"by_status"`
	PendingSets    int            `json:"pending_anchor_sets"`
	LastHeight     uint64         `json:"last_height"`
	LastPrice      string         `json:"last_price"`
	LastRecordedAt time.Time      `json:"last_recorded_at"`
}

// ExportResult is returned by Export.
type ExportResult struct {
	Files  []ExportFile   `json:"files"`
	Assets []AssetSummary `json:"assets"`
}

// AllEvents returns every stored event in insertion order. A nil asset
// selects every asset.
func (s *Store) AllEvents(ctx context.Context, asset *common.Address) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errNotConfigured
	}
	query := `
        SELECT seq, event_id, kind, asset, caller, status, requested_price, old_price, new_price,
            anchor_price, period_start, height, reason, recorded_at
        FROM oracle_events`
	var args []any
	if asset != nil {
		query += ` WHERE asset = ?`
		args = append(args, addressKey(*asset))
	}
	query += ` ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var (
			rec         Record
			periodStart int64
			height      int64
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.Kind, &rec.Asset, &rec.Caller, &rec.Status,
			&rec.RequestedPrice, &rec.OldPrice, &rec.NewPrice, &rec.AnchorPrice,
			&periodStart, &height, &rec.Reason, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.PeriodStart = uint64(periodStart)
		rec.Height = uint64(height)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// Export writes the event history to CSV and Parquet files under dir and
// summarises it per asset.
func (s *Store) Export(ctx context.Context, dir string, asset *common.Address) (ExportResult, error) {
	records, err := s.AllEvents(ctx, asset)
	if err != nil {
		return ExportResult{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("create export dir: %w", err)
	}
	base := "oracle_events"
	if asset != nil {
		base += "_" + addressKey(*asset)
	}
	csvPath := filepath.Join(dir, base+".csv")
	if err := writeCSV(csvPath, records); err != nil {
		return ExportResult{}, err
	}
	parquetPath := filepath.Join(dir, base+".parquet")
	if err := writeParquet(parquetPath, records); err != nil {
		return ExportResult{}, err
	}
	result := ExportResult{Assets: Summarize(records)}
	for _, path := range []string{csvPath, parquetPath} {
		digest, err := fileDigest(path)
		if err != nil {
			return ExportResult{}, err
		}
		result.Files = append(result.Files, ExportFile{Path: path, Rows: len(records), Digest: digest})
	}
	return result, nil
}

// Summarize groups records by asset. Records are expected in insertion order.
func Summarize(records []Record) []AssetSummary {
	byAsset := make(map[string]*AssetSummary)
	for _, rec := range records {
		summary, ok := byAsset[rec.Asset]
		if !ok {
			summary = &AssetSummary{Asset: rec.Asset, ByStatus: make(map[string]int), LastPrice: "0"}
			byAsset[rec.Asset] = summary
		}
		summary.Events++
		summary.LastHeight = rec.Height
		summary.LastRecordedAt = rec.RecordedAt
		switch rec.Kind {
		case "pending_anchor_set":
			summary.PendingSets++
		case "price_set":
			summary.ByStatus[rec.Status]++
			summary.LastPrice = rec.NewPrice
		default:
			summary.ByStatus[rec.Status]++
		}
	}
	out := make([]AssetSummary, 0, len(byAsset))
	for _, summary := range byAsset {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

var csvHeader = []string{
	"seq", "event_id", "kind", "asset", "caller", "status", "requested_price", "old_price",
	"new_price", "anchor_price", "period_start", "height", "reason", "recorded_at",
}

func writeCSV(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, rec := range records {
		row := []string{
			strconv.FormatInt(rec.Seq, 10),
			rec.ID,
			rec.Kind,
			rec.Asset,
			rec.Caller,
			rec.Status,
			rec.RequestedPrice,
			rec.OldPrice,
			rec.NewPrice,
			rec.AnchorPrice,
			strconv.FormatUint(rec.PeriodStart, 10),
			strconv.FormatUint(rec.Height, 10),
			rec.Reason,
			rec.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return file.Close()
}

// Prices are kept as decimal strings; they do not fit parquet's INT64.
type parquetRow struct {
	Seq            int64  `parquet:"name=seq, type=INT64"`
	EventID        string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind           string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset          string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Caller         string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status         string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestedPrice string `parquet:"name=requested_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	OldPrice       string `parquet:"name=old_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	NewPrice       string `parquet:"name=new_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	AnchorPrice    string `parquet:"name=anchor_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	PeriodStart    int64  `parquet:"name=period_start, type=INT64"`
	Height         int64  `parquet:"name=height, type=INT64"`
	Reason         string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt     string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, records []Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		row := &parquetRow{
			Seq:            rec.Seq,
			EventID:        rec.ID,
			Kind:           rec.Kind,
			Asset:          rec.Asset,
			Caller:         rec.Caller,
			Status:         rec.Status,
			RequestedPrice: rec.RequestedPrice,
			OldPrice:       rec.OldPrice,
			NewPrice:       rec.NewPrice,
			AnchorPrice:    rec.AnchorPrice,
			PeriodStart:    int64(rec.PeriodStart),
			Height:         int64(rec.Height),
			Reason:         rec.Reason,
			RecordedAt:     rec.RecordedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func fileDigest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer file.Close()
	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("audit: hash %s: %w", path, err)
	}
	return strings.ToLower(hex.EncodeToString(hasher.Sum(nil))), nil
}
