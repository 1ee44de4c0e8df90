package ingest

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quiltmark/chatmerge/pipeline"
)

// ReadMessageDB extracts records from a message database export (the
// richer, multi-source export). Each message row may yield several
// canonical records: rows carrying both text and attachments split into
// p:<index>/DB:<guid> part records sharing the unprefixed DB:<guid> as
// group identifier. Tapback rows carry their explicit target backlink
// through when the database has one.
func ReadMessageDB(path string) ([]pipeline.Record, error) {
	db, err := openMessageDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	records, err := readMessages(db)
	if err != nil {
		return nil, fmt.Errorf("ReadMessageDB: %w", err)
	}
	return records, nil
}

// openMessageDB opens the database read-only with the pragmas a shared
// export file needs.
func openMessageDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("ReadMessageDB: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ReadMessageDB: connect: %w", err)
	}
	// Single reader; the export file may still be held by its producer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ReadMessageDB: apply pragma: %w", err)
	}
	return db, nil
}

const messageQuery = `
SELECT m.guid,
       m.date_utc_ms,
       m.sender,
       m.is_from_me,
       COALESCE(m.body, ''),
       COALESCE(m.reply_to_guid, ''),
       COALESCE(m.tapback_kind, ''),
       COALESCE(m.tapback_action, ''),
       COALESCE(m.tapback_target_guid, ''),
       COALESCE(m.is_notification, 0)
FROM messages m
ORDER BY m.date_utc_ms, m.guid`

const attachmentQuery = `
SELECT a.guid, COALESCE(a.filename, ''), COALESCE(a.path, ''), COALESCE(a.mime_type, '')
FROM attachments a
WHERE a.message_guid = ?
ORDER BY a.rowid`

type messageRow struct {
	guid           string
	dateUTCMillis  int64
	sender         string
	isFromMe       bool
	body           string
	replyToGUID    string
	tapbackKind    string
	tapbackAction  string
	tapbackTarget  string
	isNotification bool
}

func readMessages(db *sql.DB) ([]pipeline.Record, error) {
	rows, err := db.Query(messageQuery)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []pipeline.Record
	for rows.Next() {
		var m messageRow
		if err := rows.Scan(&m.guid, &m.dateUTCMillis, &m.sender, &m.isFromMe, &m.body,
			&m.replyToGUID, &m.tapbackKind, &m.tapbackAction, &m.tapbackTarget, &m.isNotification); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		recs, err := expandMessage(db, m)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

// expandMessage turns one database row into its canonical records.
func expandMessage(db *sql.DB, m messageRow) ([]pipeline.Record, error) {
	base := pipeline.Record{
		IsFromMe:  m.isFromMe,
		Timestamp: time.UnixMilli(m.dateUTCMillis).UTC(),
		Sender:    m.sender,
	}
	directID := "DB:" + m.guid

	if m.tapbackKind != "" {
		rec := base
		rec.ID = directID
		action := pipeline.TapbackAction(m.tapbackAction)
		if action == "" {
			action = pipeline.TapbackAdded
		}
		tb := &pipeline.TapbackBody{
			TapbackKind: m.tapbackKind,
			Action:      action,
		}
		if m.tapbackTarget != "" {
			tb.TargetID = "DB:" + m.tapbackTarget
		}
		rec.Body = tb
		return []pipeline.Record{rec}, nil
	}

	if m.isNotification {
		rec := base
		rec.ID = directID
		rec.Body = &pipeline.NotificationBody{}
		return []pipeline.Record{rec}, nil
	}

	attachments, err := readAttachments(db, m.guid)
	if err != nil {
		return nil, err
	}

	var replyTo *pipeline.ReplyLink
	if m.replyToGUID != "" {
		replyTo = &pipeline.ReplyLink{TargetID: "DB:" + m.replyToGUID}
	}

	hasText := m.body != ""
	parts := len(attachments)
	if hasText {
		parts++
	}

	// Simple case: one record, direct identifier, no split.
	if parts <= 1 {
		rec := base
		rec.ID = directID
		rec.ReplyTo = replyTo
		if len(attachments) == 1 {
			rec.Body = attachments[0]
		} else {
			rec.Body = &pipeline.TextBody{Text: m.body}
		}
		return []pipeline.Record{rec}, nil
	}

	// Split: one originally-atomic row becomes several part records
	// sharing the unprefixed identifier as group.
	var out []pipeline.Record
	part := 0
	if hasText {
		rec := base
		rec.ID = partID(part, directID)
		rec.GroupID = directID
		rec.ReplyTo = replyTo
		rec.Body = &pipeline.TextBody{Text: m.body}
		out = append(out, rec)
		part++
	}
	for _, att := range attachments {
		rec := base
		rec.ID = partID(part, directID)
		rec.GroupID = directID
		rec.Body = att
		out = append(out, rec)
		part++
	}
	return out, nil
}

func readAttachments(db *sql.DB, messageGUID string) ([]*pipeline.MediaBody, error) {
	rows, err := db.Query(attachmentQuery, messageGUID)
	if err != nil {
		return nil, fmt.Errorf("query attachments for %s: %w", messageGUID, err)
	}
	defer rows.Close()

	var out []*pipeline.MediaBody
	for rows.Next() {
		var guid, filename, path, mime string
		if err := rows.Scan(&guid, &filename, &path, &mime); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, &pipeline.MediaBody{
			ID:        guid,
			Filename:  filename,
			Path:      path,
			MimeType:  mime,
			MediaKind: mediaKindFor(mime),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}

func partID(part int, directID string) string {
	return fmt.Sprintf("p:%d/%s", part, directID)
}

func mediaKindFor(mime string) string {
	if mime == "" {
		return ""
	}
	if mime == "application/pdf" {
		return "pdf"
	}
	major, _, _ := strings.Cut(mime, "/")
	switch major {
	case "image", "video", "audio":
		return major
	}
	return "file"
}
