package rest

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// UploadRequest describes one file to upload.
type UploadRequest struct {
	Path           string
	ConversationID string
	TempID         string
	ContentType    string
	Category       string
}

// Upload is the server's answer to a media upload.
type Upload struct {
	URL        string
	PreviewURL string
	MessageID  string
}

// UploadMedia streams a file as multipart/form-data. progress, when set,
// receives the sent fraction in [0, 1].
func (c *Client) UploadMedia(ctx context.Context, r UploadRequest, progress func(float64)) (*Upload, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, info.Size(), r, progress))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(pathMediaUpload, nil), pr)
	if err != nil {
		_ = pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	data, err := c.do(ctx, pathMediaUpload, req)
	// Unblock the writer goroutine if the request ended early.
	_ = pr.Close()
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(data)
	up := &Upload{
		URL:        firstString(res, "url", "mediaUrl", "fileUrl"),
		PreviewURL: firstString(res, "previewUrl", "thumbnailUrl"),
		MessageID:  firstString(res, "messageId", "_id", "id"),
	}
	if up.URL == "" {
		return nil, &StatusError{Path: pathMediaUpload, Code: http.StatusOK, Message: "no url in response"}
	}
	c.logger.Info("media uploaded", zap.String("temp_id", r.TempID), zap.Int64("bytes", info.Size()))
	return up, nil
}

func writeForm(mw *multipart.Writer, src io.Reader, size int64, r UploadRequest, progress func(float64)) error {
	fields := map[string]string{"chatId": r.ConversationID, "tempId": r.TempID, "fileCategory": r.Category}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(r.Path)))
	ct := r.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, &progressReader{r: src, total: size, fn: progress}); err != nil {
		return err
	}
	return mw.Close()
}

// progressReader reports the fraction of total read so far.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.fn != nil && n > 0 && p.total > 0 {
		p.fn(min(float64(p.read)/float64(p.total), 1))
	}
	return n, err
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := r.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}
