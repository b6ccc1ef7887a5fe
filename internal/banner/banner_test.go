package banner

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintAlignsLabels(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, "CALLBRIDGE", []ConfigLine{
		{Label: "API", Value: "0.0.0.0:8080"},
		{Label: "Devices", Value: "2"},
	})

	out := buf.String()
	assert.Contains(t, out, "CALLBRIDGE\n")
	assert.Contains(t, out, "  API     : 0.0.0.0:8080\n")
	assert.Contains(t, out, "  Devices : 2\n")
	assert.True(t, strings.HasSuffix(out, footer+"\n\n"))
}
