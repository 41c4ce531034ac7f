package captcha

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Berailitz/bupt-messager/internal/httpx"
)

type fakeOCR struct {
	text    string
	gotData []byte
}

func (f *fakeOCR) Recognize(pngData []byte) (string, error) {
	f.gotData = append([]byte(nil), pngData...)
	return f.text, nil
}

func TestBinarizeHardThreshold(t *testing.T) {
	t.Parallel()

	src := image.NewGray(image.Rect(0, 0, 3, 1))
	src.SetGray(0, 0, color.Gray{Y: 0})   // ink
	src.SetGray(1, 0, color.Gray{Y: 1})   // already above threshold
	src.SetGray(2, 0, color.Gray{Y: 200}) // background

	out := Binarize(src)
	require.Equal(t, uint8(0), out.GrayAt(0, 0).Y)
	require.Equal(t, uint8(255), out.GrayAt(1, 0).Y)
	require.Equal(t, uint8(255), out.GrayAt(2, 0).Y)
}

func TestSolveReturnsOCRText(t *testing.T) {
	t.Parallel()

	// A tiny image standing in for the distorted digits "4821".
	img := image.NewGray(image.Rect(0, 0, 8, 4))
	img.SetGray(2, 1, color.Gray{Y: 0})
	img.SetGray(5, 2, color.Gray{Y: 0})
	var served bytes.Buffer
	require.NoError(t, png.Encode(&served, img))

	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(served.Bytes())
	}))
	defer srv.Close()

	client, err := httpx.New(httpx.Config{}, zap.NewNop())
	require.NoError(t, err)

	ocr := &fakeOCR{text: "4821"}
	solver := NewSolver(client, ocr, Config{URL: srv.URL, Referer: "http://gateway.example.com/"}, zap.NewNop())

	text, err := solver.Solve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "4821", text)
	require.Equal(t, "http://gateway.example.com/", gotReferer)

	// The OCR engine must receive the binarized image, not the original.
	decoded, _, err := image.Decode(bytes.NewReader(ocr.gotData))
	require.NoError(t, err)
	bounds := decoded.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := color.GrayModel.Convert(decoded.At(x, y)).(color.Gray)
			require.Contains(t, []uint8{0, 255}, g.Y)
		}
	}
}

func TestSolveBadImage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	client, err := httpx.New(httpx.Config{}, zap.NewNop())
	require.NoError(t, err)

	solver := NewSolver(client, &fakeOCR{}, Config{URL: srv.URL}, zap.NewNop())
	_, err = solver.Solve(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode image")
}
