package progress

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type report struct {
	done  int64
	total int64
}

// chunkReader yields at most chunk bytes per Read so interval behavior can be
// exercised deterministically.
type chunkReader struct {
	r     io.Reader
	chunk int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(p) > c.chunk {
		p = p[:c.chunk]
	}

	return c.r.Read(p)
}

func TestReader_ReportsAtInterval(t *testing.T) {
	var reports []report

	src := &chunkReader{r: strings.NewReader(strings.Repeat("x", 100)), chunk: 10}
	pr := NewReader(src, 100, 30, func(done, total int64) {
		reports = append(reports, report{done, total})
	})

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	require.Equal(t, int64(100), n)
	require.Equal(t, int64(100), pr.Done())

	// 10-byte reads against a 30-byte interval: reports at 30, 60, 90 plus
	// the final report covering the tail.
	require.Equal(t, []report{{30, 100}, {60, 100}, {90, 100}, {100, 100}}, reports)
}

func TestReader_FinalReportCoversTail(t *testing.T) {
	var reports []report

	pr := NewReader(strings.NewReader("hello"), 5, 1024, func(done, total int64) {
		reports = append(reports, report{done, total})
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	// The interval was never reached; EOF still flushes one report.
	require.Equal(t, []report{{5, 5}}, reports)
}

func TestReader_UnknownTotal(t *testing.T) {
	var reports []report

	pr := NewReader(strings.NewReader("hello"), 0, 2, func(done, total int64) {
		reports = append(reports, report{done, total})
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	require.Equal(t, int64(0), reports[0].total)
	require.Equal(t, int64(5), reports[len(reports)-1].done)
}

func TestReader_EmptySource(t *testing.T) {
	calls := 0

	pr := NewReader(strings.NewReader(""), 0, 10, func(done, total int64) {
		calls++
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	require.Zero(t, pr.Done())
	require.Zero(t, calls)
}
