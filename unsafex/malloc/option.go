package malloc

import (
	"io"
	"log/slog"

	"github.com/cloudwego/pagemalloc/unsafex/pages"
)

// Option configures an Allocator. Zero fields take the DefaultOption values.
type Option struct {
	// Supplier provides the page ranges. Defaults to pages.NewOS(0).
	Supplier pages.Supplier

	// Alignment is the alignment of every block and the row size of small pages.
	// It must be a power of two in [MinAlignment, MaxAlignment].
	Alignment int

	// Logger receives page lifecycle records. Defaults to a discarding logger.
	Logger *slog.Logger
}

const (
	MinAlignment     = 8
	MaxAlignment     = 32
	DefaultAlignment = 16
)

// DefaultOption returns the default options.
func DefaultOption() *Option {
	return &Option{
		Alignment: DefaultAlignment,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (o *Option) merge(src *Option) {
	if src == nil {
		return
	}
	if src.Supplier != nil {
		o.Supplier = src.Supplier
	}
	if src.Alignment != 0 {
		o.Alignment = src.Alignment
	}
	if src.Logger != nil {
		o.Logger = src.Logger
	}
}
