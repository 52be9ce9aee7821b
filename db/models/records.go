package models

/*
	Records held by the registry. Both kinds draw their ids from the same
	counter so a file and a folder never share an id.

	UpdatedAt is nanoseconds since the unix epoch and is nil only for
	records that were never written through the registry.
*/

// Record is anything stored under its own id.
type Record interface {
	RecordID() uint64
}

type File struct {
	ID        uint64  `json:"id"`
	FolderID  uint64  `json:"folder_id"`
	FileName  string  `json:"file_name"`
	MimeType  string  `json:"mime_type"`
	Content   string  `json:"content"`
	UpdatedAt *uint64 `json:"updated_at"`
}

func (f File) RecordID() uint64 { return f.ID }

type Folder struct {
	ID         uint64  `json:"id"`
	FolderName string  `json:"folder_name"`
	UpdatedAt  *uint64 `json:"updated_at"`
}

func (f Folder) RecordID() uint64 { return f.ID }

type FilePayload struct {
	FolderID uint64 `json:"folder_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Content  string `json:"content"`
}

type FolderPayload struct {
	FolderName string `json:"folder_name"`
}

// Request bodies for the write routes that address an existing record.

type UpdateFileRequest struct {
	ID      uint64      `json:"id"`
	Payload FilePayload `json:"payload"`
}

type UpdateFileNameRequest struct {
	ID       uint64 `json:"id"`
	FileName string `json:"file_name"`
}

type DeleteFileRequest struct {
	ID uint64 `json:"id"`
}

type UpdateFolderRequest struct {
	ID      uint64        `json:"id"`
	Payload FolderPayload `json:"payload"`
}

// Stats summarises the registry for the status route.
type Stats struct {
	Files     int    `json:"files"`
	Folders   int    `json:"folders"`
	LastID    uint64 `json:"last_id"`
	Engine    string `json:"engine"`
	UptimeSec int64  `json:"uptime_sec"`
}
