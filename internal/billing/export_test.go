package billing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSVFormatterRender(t *testing.T) {
	f := CSVFormatter{}
	lines := []BatchLine{
		{ChargeID: "c1", AgencyID: "ag-1", AmountCents: 1000, DueDateAR: "2025-06-10"},
		{ChargeID: "c2", AgencyID: "ag-2", AmountCents: 2500, DueDateAR: "2025-06-10"},
	}

	body, err := f.Render("b1", "debito_directo", "2025-06-10", lines)
	require.NoError(t, err)

	rows := strings.Split(strings.TrimSpace(string(body)), "\n")
	require.Len(t, rows, 4)
	assert.Equal(t, "charge_id,agency_id,amount_cents,due_date", rows[0])
	assert.Equal(t, "c1,ag-1,1000,2025-06-10", rows[1])
	assert.Equal(t, "TRAILER,b1,2,3500", rows[3])
}

func TestCSVFormatterFileName(t *testing.T) {
	f := CSVFormatter{}
	assert.Equal(t, "debito_directo/2025-06-10/b1.csv", f.FileName("b1", "debito_directo", "2025-06-10"))
	assert.Equal(t, "text/csv", f.ContentType())
}

func TestLocalUploader(t *testing.T) {
	dir := t.TempDir()
	u := &localUploader{baseDir: dir}

	url, err := u.Upload(context.Background(), "debito_directo/2025-06-10/b1.csv", []byte("data"), "text/csv")
	require.NoError(t, err)

	want := filepath.Join(dir, "debito_directo", "2025-06-10", "b1.csv")
	assert.Equal(t, want, url)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}
