package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNoPayload reports a request carrying neither a multipart file field
// nor a body. It is an expected condition, not a failure.
var ErrNoPayload = errors.New("no package payload in request")

// copyChunkSize bounds how much of an upload is in memory at once.
const copyChunkSize = 32 * 1024

// Upload is a materialized request payload: a scratch file holding the
// full upload, seekable so the indexer can make multiple passes over it.
// Close removes the scratch file; an Upload never outlives its request.
type Upload struct {
	file *os.File
}

func (u *Upload) Read(p []byte) (int, error)              { return u.file.Read(p) }
func (u *Upload) ReadAt(p []byte, off int64) (int, error) { return u.file.ReadAt(p, off) }

func (u *Upload) Seek(offset int64, whence int) (int64, error) {
	return u.file.Seek(offset, whence)
}

// Name returns the scratch file path
func (u *Upload) Name() string { return u.file.Name() }

// Close closes and removes the scratch file
func (u *Upload) Close() error {
	name := u.file.Name()
	closeErr := u.file.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", name).Msg("failed to remove upload scratch file")
		if closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

// materializeUpload streams the request's package payload into a scratch
// file and returns a seekable handle over it.
//
// Source selection: a multipart request contributes its first file field,
// in wire order; anything else contributes the raw body. A multipart
// request without a file field has no payload (its body is form plumbing,
// not a package), and a bodiless or empty non-multipart request has no
// payload either.
//
// The transfer runs in fixed-size chunks with the context checked between
// chunks; on cancellation or failure the partial scratch file is removed
// before returning.
func materializeUpload(ctx context.Context, r *http.Request, scratchDir string) (*Upload, error) {
	source, fromForm, err := selectUploadSource(r)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	scratch, err := os.CreateTemp(scratchDir, "upload-*.pkg")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}

	written, err := copyWithContext(ctx, scratch, source)
	if err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		return nil, fmt.Errorf("failed to materialize upload: %w", err)
	}

	if written == 0 && !fromForm {
		scratch.Close()
		os.Remove(scratch.Name())
		return nil, ErrNoPayload
	}

	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		return nil, fmt.Errorf("failed to rewind scratch file: %w", err)
	}

	log.Debug().Int64("bytes", written).Str("path", scratch.Name()).Msg("upload materialized")
	return &Upload{file: scratch}, nil
}

// selectUploadSource picks the authoritative payload stream for the
// request and reports whether it came from a multipart file field.
func selectUploadSource(r *http.Request) (io.ReadCloser, bool, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		boundary, ok := params["boundary"]
		if !ok || r.Body == nil {
			return nil, false, ErrNoPayload
		}

		reader := multipart.NewReader(r.Body, boundary)
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				return nil, false, ErrNoPayload
			}
			if err != nil {
				return nil, false, fmt.Errorf("failed to read multipart form: %w", err)
			}
			if part.FileName() != "" {
				return part, true, nil
			}
			part.Close()
		}
	}

	if r.Body == nil {
		return nil, false, ErrNoPayload
	}
	return r.Body, false, nil
}

// copyWithContext copies src to dst in bounded chunks, aborting as soon
// as the context is cancelled.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
