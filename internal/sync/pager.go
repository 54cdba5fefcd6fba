package sync

import (
	"context"

	"github.com/helpdeskd/mailsync-infra/internal/mailbox"
)

// ThreadPager walks thread listings page by page, fetching the next page
// only when the current one is exhausted. The provider client already
// retries transient listing failures, so a pager error is final.
type ThreadPager struct {
	client   mailbox.Client
	cursor   string
	pageSize int64
	buf      []mailbox.ThreadHandle
	started  bool
	done     bool
}

// NewThreadPager starts paging from cursor; an empty cursor means the
// newest threads.
func NewThreadPager(client mailbox.Client, cursor string, pageSize int64) *ThreadPager {
	return &ThreadPager{
		client:   client,
		cursor:   cursor,
		pageSize: pageSize,
	}
}

// Next returns the next thread handle, or nil when the listing is
// exhausted.
func (p *ThreadPager) Next(ctx context.Context) (*mailbox.ThreadHandle, error) {
	for len(p.buf) == 0 {
		if p.done {
			return nil, nil
		}
		if p.started && p.cursor == "" {
			p.done = true
			return nil, nil
		}

		page, err := p.client.ListThreads(ctx, p.cursor, p.pageSize)
		if err != nil {
			return nil, err
		}
		p.started = true
		p.cursor = page.NextCursor
		p.buf = page.Threads

		if len(page.Threads) == 0 && page.NextCursor == "" {
			p.done = true
			return nil, nil
		}
	}

	handle := p.buf[0]
	p.buf = p.buf[1:]
	return &handle, nil
}

// Cursor returns the token for the page after the one currently being
// consumed. Persisting it resumes from the next page boundary.
func (p *ThreadPager) Cursor() string {
	return p.cursor
}
