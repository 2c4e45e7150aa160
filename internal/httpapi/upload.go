package httpapi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// uploadField is the multipart field carrying the image.
const uploadField = "file"

var acceptedImageTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

// readImage decodes the uploaded image of a multipart request. The payload
// type is sniffed; the client's Content-Type of the part is not trusted.
func readImage(w http.ResponseWriter, r *http.Request) (image.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, requestError{msg: "upload too large", code: http.StatusRequestEntityTooLarge}
		}
		return nil, badRequest("expected multipart/form-data with a file field")
	}
	f, _, err := r.FormFile(uploadField)
	if err != nil {
		return nil, badRequest("missing file field")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, badRequest("failed to read upload")
	}
	if len(data) == 0 {
		return nil, badRequest("empty upload")
	}
	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), acceptedImageTypes...) {
		return nil, requestError{
			msg:  fmt.Sprintf("unsupported image type %s", mt.String()),
			code: http.StatusUnsupportedMediaType,
		}
	}
	uploadBytes.WithLabelValues(mt.String()).Observe(float64(len(data)))
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, badRequest("invalid image: " + err.Error())
	}
	return img, nil
}

// pngBase64 encodes img as a base64 PNG.
func pngBase64(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
