package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arxiv/compiler/pkg/types"
)

func TestKeyLayout(t *testing.T) {
	task := types.NewTask("54", "a1b2c3d4=", types.FormatPDF, "")

	assert.Equal(t, "54/a1b2c3d4=/pdf/status.json", statusKey(task))
	assert.Equal(t, "54/a1b2c3d4=/pdf/54.pdf", artifactKey(task))
	assert.Equal(t, "54/a1b2c3d4=/pdf/54.pdf.log", logKey(task))
}

func TestKeyLayoutOtherFormats(t *testing.T) {
	dvi := types.NewTask("1801.00123", "chk", types.FormatDVI, "")
	assert.Equal(t, "1801.00123/chk/dvi/1801.00123.dvi", artifactKey(dvi))

	ps := types.NewTask("1801.00123", "chk", types.FormatPS, "")
	assert.Equal(t, "1801.00123/chk/ps/1801.00123.ps.log", logKey(ps))
}

func TestContentMD5(t *testing.T) {
	// Known value: md5("check") base64-encoded.
	assert.Equal(t, "C6RDnumkbZ2fFMYPiPRfhw==", contentMD5([]byte("check")))
	assert.NotEqual(t, contentMD5([]byte("a")), contentMD5([]byte("b")))
}
