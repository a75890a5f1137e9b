// Package metadata loads the side-channel records bundled inside source
// archives and matches them to converted audio files. Records are keyed by
// meta_id, which by convention equals the audio filename stem.
//
// Two formats exist in the wild: parquet files holding many rows, and
// per-file comma-delimited text files named <meta_id>.txt. Either may be
// absent or partially unreadable; metadata is best-effort and a bad side file
// never fails a batch.
package metadata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/sirupsen/logrus"
)

// FormatParquet and FormatTxt select which loader Load uses.
const (
	FormatParquet = "parquet"
	FormatTxt     = "txt"
)

// Load walks dir for side-channel metadata in the configured format and
// returns a meta_id -> row lookup. Parse failures are logged per file and
// skipped.
func Load(dir, format string, log *logrus.Entry) map[string]map[string]any {
	if format == FormatTxt {
		return LoadTxt(dir, log)
	}
	return LoadParquet(dir, log)
}

// Match returns the record for an audio file, matched by filename stem.
// The second result reports whether a record was found.
func Match(records map[string]map[string]any, filename string) (map[string]any, bool) {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	row, ok := records[stem]
	return row, ok
}

// LoadParquet reads every parquet file under dir and merges their rows into a
// meta_id keyed lookup. Rows without a meta_id column are dropped.
func LoadParquet(dir string, log *logrus.Entry) map[string]map[string]any {
	records := make(map[string]map[string]any)

	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".parquet") {
			files = append(files, path)
		}
		return nil
	})

	for _, path := range files {
		n, err := readParquetFile(path, records)
		if err != nil {
			log.WithField("file", filepath.Base(path)).WithError(err).Warn("failed to parse parquet metadata")
			continue
		}
		log.WithFields(logrus.Fields{"file": filepath.Base(path), "records": n}).Debug("loaded parquet metadata")
	}
	return records
}

func readParquetFile(path string, records map[string]map[string]any) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet: %w", err)
	}

	columns := pf.Schema().Columns()
	names := make([]string, len(columns))
	for i, path := range columns {
		names[i] = path[len(path)-1]
	}

	loaded := 0
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 64)
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				rec := make(map[string]any, len(names))
				for _, v := range row {
					col := v.Column()
					if col < 0 || col >= len(names) {
						continue
					}
					rec[names[col]] = parquetValue(v)
				}
				if id, ok := rec["meta_id"]; ok && id != nil {
					records[fmt.Sprint(id)] = rec
					loaded++
				}
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rows.Close()
				return loaded, err
			}
		}
		if err := rows.Close(); err != nil {
			return loaded, err
		}
	}
	return loaded, nil
}

func parquetValue(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

// LoadTxt reads per-file comma-delimited metadata. Each file is named
// <meta_id>.txt, has a header row, and carries exactly one data row. A
// metadata/ subdirectory is preferred when present (the transfer stage bundles
// them there); otherwise the whole tree is searched.
func LoadTxt(dir string, log *logrus.Entry) map[string]map[string]any {
	records := make(map[string]map[string]any)

	root := dir
	if info, err := os.Stat(filepath.Join(dir, "metadata")); err == nil && info.IsDir() {
		root = filepath.Join(dir, "metadata")
	}

	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".txt") {
			files = append(files, path)
		}
		return nil
	})

	for _, path := range files {
		metaID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		row, err := readTxtFile(path)
		if err != nil {
			log.WithField("file", filepath.Base(path)).WithError(err).Warn("failed to parse txt metadata")
			continue
		}
		if _, ok := row["meta_id"]; !ok {
			row["meta_id"] = metaID
		}
		records[metaID] = row
	}

	log.WithField("records", len(records)).Debug("loaded txt metadata")
	return records
}

func readTxtFile(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	values, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read data row: %w", err)
	}

	row := make(map[string]any, len(header))
	for i, key := range header {
		if i >= len(values) {
			break
		}
		row[key] = coerce(values[i])
	}
	return row, nil
}

// coerce converts numeric-looking strings to int64/float64, matching how
// downstream consumers expect the metadata blob to be typed.
func coerce(s string) any {
	if s == "" {
		return s
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
