package progress

import "io"

// Reader wraps an io.Reader and reports cumulative byte counts through a
// callback at most once every interval bytes, plus a final report at EOF.
type Reader struct {
	r        io.Reader
	total    int64
	interval int64
	onRead   func(done, total int64)

	done        int64
	sinceReport int64
}

// NewReader creates a progress-reporting reader. A total of 0 means the total
// is unknown; the callback still fires with total 0.
func NewReader(r io.Reader, total, interval int64, onRead func(done, total int64)) *Reader {
	return &Reader{
		r:        r,
		total:    total,
		interval: interval,
		onRead:   onRead,
	}
}

// Done returns the cumulative number of bytes read so far.
func (pr *Reader) Done() int64 {
	return pr.done
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.done += int64(n)
		pr.sinceReport += int64(n)

		if pr.sinceReport >= pr.interval || err == io.EOF {
			pr.onRead(pr.done, pr.total)
			pr.sinceReport = 0
		}
	} else if err == io.EOF && pr.sinceReport > 0 {
		pr.onRead(pr.done, pr.total)
		pr.sinceReport = 0
	}

	return n, err
}
