package shape

import (
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/mocksmith/mocksmith/internal/domain/jsontree"
	"github.com/mocksmith/mocksmith/pkg/apperr"
)

// drainChunkSize bounds per-read memory while discarding uploaded files.
const drainChunkSize = 32 * 1024

// ReadBody reads the request body and converts it to a synthetic JSON
// document:
//
//   - application/json passes through unchanged
//   - application/x-www-form-urlencoded becomes an object; repeated keys
//     become arrays
//   - multipart/form-data file parts are drained in bounded chunks and
//     discarded, keeping only {filename, size, contentType} metadata
//
// Memory stays O(1) with respect to upload size. Bodies over maxBytes
// fail with PayloadTooLarge.
func ReadBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))

	switch {
	case strings.HasPrefix(ct, "multipart/form-data"):
		return readMultipart(r, maxBytes)
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		raw, err := readLimited(r.Body, maxBytes)
		if err != nil {
			return nil, err
		}
		return formToJSON(string(raw))
	default:
		return readLimited(r.Body, maxBytes)
	}
}

func readLimited(body io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, maxBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "reading request body", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, apperr.New(apperr.KindPayloadTooLarge, "request body exceeds size limit")
	}
	return data, nil
}

func formToJSON(raw string) ([]byte, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "parsing form body", err)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	obj := jsontree.NewObj()
	for _, k := range keys {
		vs := values[k]
		if len(vs) == 1 {
			obj.Set(k, jsontree.NewStr(vs[0]))
			continue
		}
		arr := jsontree.NewArr()
		for _, v := range vs {
			arr.Append(jsontree.NewStr(v))
		}
		obj.Set(k, arr)
	}
	return obj.Encode(), nil
}

func readMultipart(r *http.Request, maxBytes int64) ([]byte, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "parsing multipart body", err)
	}

	obj := jsontree.NewObj()
	files := jsontree.NewArr()
	var valueBytes int64

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBadRequest, "reading multipart part", err)
		}

		if part.FileName() != "" {
			size, err := drain(part)
			if err != nil {
				part.Close()
				return nil, apperr.Wrap(apperr.KindBadRequest, "draining file part", err)
			}
			meta := jsontree.NewObj()
			meta.Set("field", jsontree.NewStr(part.FormName()))
			meta.Set("filename", jsontree.NewStr(part.FileName()))
			meta.Set("size", jsontree.NewNum(size))
			meta.Set("contentType", jsontree.NewStr(part.Header.Get("Content-Type")))
			files.Append(meta)
			part.Close()
			continue
		}

		// Text values count against the body limit; files do not, they
		// are discarded.
		val, err := readLimited(part, maxBytes-valueBytes)
		part.Close()
		if err != nil {
			return nil, err
		}
		valueBytes += int64(len(val))
		obj.Set(part.FormName(), jsontree.NewStr(string(val)))
	}

	if files.Len() > 0 {
		obj.Set("files", files)
	}
	return obj.Encode(), nil
}

// drain discards a part's content in fixed-size chunks, returning the byte
// count.
func drain(part io.Reader) (int64, error) {
	var total int64
	for {
		n, err := io.CopyN(io.Discard, part, drainChunkSize)
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// StripShapeProperty removes the top-level "shape" member from a JSON body
// so the hint is not echoed back into the prompt.
func StripShapeProperty(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	v, err := jsontree.Parse(body)
	if err != nil || v.Kind() != jsontree.Obj || v.Field("shape").IsNull() {
		return body
	}
	v.Delete("shape")
	return v.Encode()
}
