// Package ingest holds the thin source readers that translate raw message
// exports into canonical records. It does no matching or merging; both
// readers only produce the record shape the pipeline consumes.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/quiltmark/chatmerge/pipeline"
)

// csv column layout of the flat single-source export:
// timestamp, sender, is_from_me, kind, body, attachment
var flatColumns = []string{"timestamp", "sender", "is_from_me", "kind", "body", "attachment"}

// ReadFlatCSV reads a flat single-source export. Each data row becomes one
// or two records: a text record for the body and a media record for the
// attachment column when present. Identifiers follow the
// csv:<line>:<part> shape, numbered by source line and part within the
// row.
func ReadFlatCSV(path string) ([]pipeline.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ReadFlatCSV: open: %w", err)
	}
	defer f.Close()
	return readFlat(f)
}

func readFlat(r io.Reader) ([]pipeline.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(flatColumns)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("ReadFlatCSV: read header: %w", err)
	}
	for i, want := range flatColumns {
		if strings.TrimSpace(header[i]) != want {
			return nil, fmt.Errorf("ReadFlatCSV: column %d is %q, want %q", i, header[i], want)
		}
	}

	var records []pipeline.Record
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ReadFlatCSV: line %d: %w", line+1, err)
		}
		line++

		ts, err := pipeline.ParseWireTimeLenient(row[0])
		if err != nil {
			return nil, fmt.Errorf("ReadFlatCSV: line %d: %w", line, err)
		}
		sender := strings.TrimSpace(row[1])
		fromMe := strings.EqualFold(strings.TrimSpace(row[2]), "true")
		kind := pipeline.RecordKind(strings.TrimSpace(row[3]))
		body := row[4]
		attachment := strings.TrimSpace(row[5])

		part := 0
		base := pipeline.Record{
			IsFromMe:  fromMe,
			Timestamp: ts,
			Sender:    sender,
		}

		switch kind {
		case pipeline.KindText:
			rec := base
			rec.ID = flatID(line, part)
			rec.Body = &pipeline.TextBody{Text: body}
			records = append(records, rec)
			part++
		case pipeline.KindNotification:
			rec := base
			rec.ID = flatID(line, part)
			rec.Body = &pipeline.NotificationBody{}
			records = append(records, rec)
			part++
		case pipeline.KindMedia:
			// Attachment handled below; body text, if any, becomes its own
			// part first.
			if strings.TrimSpace(body) != "" {
				rec := base
				rec.ID = flatID(line, part)
				rec.Body = &pipeline.TextBody{Text: body}
				records = append(records, rec)
				part++
			}
		default:
			return nil, fmt.Errorf("ReadFlatCSV: line %d: unknown kind %q", line, kind)
		}

		if attachment != "" {
			rec := base
			rec.ID = flatID(line, part)
			rec.Body = &pipeline.MediaBody{
				ID:       fmt.Sprintf("att-%d-%d", line, part),
				Filename: attachment,
				Path:     attachment,
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

func flatID(line, part int) string {
	return fmt.Sprintf("csv:%d:%d", line, part)
}
