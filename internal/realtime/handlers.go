package realtime

import (
	"context"

	"github.com/vaporroom/vaporroom/internal/apperr"
	"github.com/vaporroom/vaporroom/internal/ids"
	"github.com/vaporroom/vaporroom/internal/store"
	"github.com/vaporroom/vaporroom/internal/upload"
)

func (d *Dispatcher) handleSessionCreate(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	snap := d.store.CreateSession()

	displayName := getStringOr(payload, "displayName", "Anonymous")
	if err := d.store.AddMember(snap.ID, conn.id, displayName); err != nil {
		return nil, nil, err
	}
	conn.setJoined(snap.ID, displayName)
	d.joinRoom(snap.ID, conn)

	if d.metrics != nil {
		d.metrics.SessionsCreated.Inc()
	}

	full, err := d.store.Snapshot(snap.ID)
	if err != nil {
		return nil, nil, err
	}

	afterAck := func() {
		d.emit(conn, EventSessionCreated, map[string]any{"session": full})
	}

	return map[string]any{
		"id":        snap.ID,
		"createdAt": snap.CreatedAt,
		"expiresAt": snap.ExpiresAt,
	}, afterAck, nil
}

func (d *Dispatcher) handleSessionJoin(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	code, ok := getString(payload, "id")
	if !ok || !ids.ValidSessionCode(code) {
		return nil, nil, apperr.New(apperr.InvalidCode)
	}
	canonical := ids.CanonicalSessionCode(code)

	if _, err := d.store.Snapshot(canonical); err != nil {
		return nil, nil, err
	}

	displayName := getStringOr(payload, "displayName", "Anonymous")
	if err := d.store.AddMember(canonical, conn.id, displayName); err != nil {
		return nil, nil, err
	}
	conn.setJoined(canonical, displayName)
	d.joinRoom(canonical, conn)

	full, err := d.store.Snapshot(canonical)
	if err != nil {
		return nil, nil, err
	}

	afterAck := func() {
		d.broadcast(canonical, EventMemberJoined, map[string]any{"memberCount": full.MemberCount}, conn.id)
		d.emit(conn, EventSessionJoined, map[string]any{"session": full})
	}

	return map[string]any{
		"id":          full.ID,
		"createdAt":   full.CreatedAt,
		"expiresAt":   full.ExpiresAt,
		"files":       full.Files,
		"messages":    full.Messages,
		"memberCount": full.MemberCount,
		"members":     full.Members,
	}, afterAck, nil
}

func (d *Dispatcher) handleSessionLeave(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, _ := conn.snapshot()
	if sessionID == "" {
		return map[string]any{"ok": true}, nil, nil
	}

	d.store.RemoveMember(conn.id)
	d.leaveRoom(sessionID, conn.id)
	conn.clearSession()

	afterAck := func() {
		count := d.store.MemberCount(sessionID)
		d.broadcast(sessionID, EventMemberLeft, map[string]any{"memberCount": count}, "")
	}

	return map[string]any{"ok": true}, afterAck, nil
}

func (d *Dispatcher) handleFileUpload(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, _ := conn.snapshot()

	data, ok := getBytes(payload, "bytes")
	if !ok {
		return nil, nil, apperr.New(apperr.EmptyFile)
	}

	meta, err := d.store.AddFile(sessionID, store.FileRecord{
		Payload:    data,
		MimeType:   getStringOr(payload, "mimeType", ""),
		Filename:   getStringOr(payload, "filename", ""),
		UploadedBy: conn.id,
	})
	if err != nil {
		return nil, nil, err
	}

	if d.metrics != nil {
		d.metrics.FilesStored.Inc()
	}

	afterAck := func() {
		d.broadcast(sessionID, EventFileAdded, map[string]any{"file": meta}, "")
	}

	return map[string]any{"file": meta}, afterAck, nil
}

func (d *Dispatcher) handleFileUploadStart(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, _ := conn.snapshot()

	size, _ := getInt64(payload, "size")
	totalChunks, _ := getInt(payload, "totalChunks")

	uploadID, err := d.assembler.Start(sessionID, upload.Declared{
		Filename:    getStringOr(payload, "filename", ""),
		MimeType:    getStringOr(payload, "mimeType", ""),
		Size:        size,
		TotalChunks: totalChunks,
	})
	if err != nil {
		return nil, nil, err
	}

	if d.metrics != nil {
		d.metrics.UploadsStarted.Inc()
	}
	return map[string]any{"uploadId": uploadID}, nil, nil
}

func (d *Dispatcher) handleFileUploadChunk(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	uploadID, _ := getString(payload, "uploadId")
	index, _ := getInt(payload, "chunkIndex")
	data, _ := getBytes(payload, "chunkData")

	res, err := d.assembler.Chunk(uploadID, index, data)
	if err != nil {
		return nil, nil, err
	}

	progress := 0.0
	if res.Total > 0 {
		progress = float64(res.Received) / float64(res.Total)
	}

	afterAck := func() {
		d.emit(conn, EventFileChunkReceived, map[string]any{
			"uploadId": uploadID,
			"index":    index,
			"received": res.Received,
			"total":    res.Total,
			"progress": progress,
		})
	}

	return map[string]any{
		"received":   res.Received,
		"total":      res.Total,
		"isComplete": res.IsComplete,
	}, afterAck, nil
}

func (d *Dispatcher) handleFileUploadComplete(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, _ := conn.snapshot()

	uploadID, _ := getString(payload, "uploadId")
	assembled, err := d.assembler.Complete(uploadID)
	if err != nil {
		return nil, nil, err
	}

	meta, err := d.store.AddFile(sessionID, store.FileRecord{
		Payload:    assembled.Payload,
		MimeType:   assembled.MimeType,
		Filename:   assembled.Filename,
		UploadedBy: conn.id,
	})
	if err != nil {
		return nil, nil, err
	}

	if d.metrics != nil {
		d.metrics.UploadsCompleted.Inc()
		d.metrics.FilesStored.Inc()
	}

	afterAck := func() {
		d.broadcast(sessionID, EventFileAdded, map[string]any{"file": meta}, "")
	}

	return map[string]any{"file": meta}, afterAck, nil
}

func (d *Dispatcher) handleFileRequest(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, _ := conn.snapshot()

	fileID, ok := getString(payload, "fileId")
	if !ok || !ids.ValidFileID(fileID) {
		return nil, nil, apperr.New(apperr.InvalidFileID)
	}

	rec, err := d.store.GetFilePayload(sessionID, fileID)
	if err != nil {
		return nil, nil, err
	}

	return map[string]any{
		"file": map[string]any{
			"id":       rec.ID,
			"bytes":    rec.Payload,
			"mimeType": rec.MimeType,
			"filename": rec.Filename,
			"size":     rec.Size(),
		},
	}, nil, nil
}

func (d *Dispatcher) handleFileDelete(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, _ := conn.snapshot()

	fileID, ok := getString(payload, "fileId")
	if !ok || !ids.ValidFileID(fileID) {
		return nil, nil, apperr.New(apperr.InvalidFileID)
	}

	deleted, err := d.store.DeleteFile(sessionID, fileID)
	if err != nil {
		return nil, nil, err
	}
	if !deleted {
		return nil, nil, apperr.New(apperr.NotFound)
	}

	if d.metrics != nil {
		d.metrics.FilesDeleted.Inc()
	}

	afterAck := func() {
		d.broadcast(sessionID, EventFileDeleted, map[string]any{"fileId": fileID}, "")
	}

	return map[string]any{"ok": true}, afterAck, nil
}

func (d *Dispatcher) handleMessageSend(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, displayName := conn.snapshot()

	content, _ := getString(payload, "content")
	msg, err := d.store.AddMessage(sessionID, content, conn.id, displayName)
	if err != nil {
		return nil, nil, err
	}

	if d.metrics != nil {
		d.metrics.MessagesSent.Inc()
	}

	afterAck := func() {
		d.broadcast(sessionID, EventMessageAdded, map[string]any{"message": msg}, "")
	}

	return map[string]any{"message": msg}, afterAck, nil
}

func (d *Dispatcher) handleMessageDelete(ctx context.Context, conn *connection, payload map[string]any) (map[string]any, func(), error) {
	_, sessionID, _ := conn.snapshot()

	messageID, _ := getString(payload, "messageId")
	if err := d.store.DeleteMessage(sessionID, messageID, conn.id); err != nil {
		return nil, nil, err
	}

	afterAck := func() {
		d.broadcast(sessionID, EventMessageDeleted, map[string]any{"messageId": messageID}, "")
	}

	return map[string]any{"ok": true}, afterAck, nil
}
