package domain

// AttachmentDescriptor is an attachment entry as received in a JSON event.
type AttachmentDescriptor struct {
	Filename   string `json:"filename"`
	Mime       string `json:"mime"`
	DataBase64 string `json:"data_base64"`
}

// MaterializedFile is an attachment decoded and written to local disk.
type MaterializedFile struct {
	Path         string // absolute
	Name         string // sanitized file name within its directory
	OriginalName string
	Size         int64
	Mime         string
}

// Transcript is the speech-to-text outcome for one audio file.
type Transcript struct {
	File MaterializedFile
	Text string
	Err  error
}

// OK reports whether transcription produced text.
func (t Transcript) OK() bool {
	return t.Err == nil && t.Text != ""
}
