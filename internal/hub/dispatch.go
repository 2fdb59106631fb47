package hub

import (
	"context"
	"strings"

	"github.com/wjlgatech/epiloop/internal/failure"
	"github.com/wjlgatech/epiloop/pkg/contracts"
	"github.com/wjlgatech/epiloop/pkg/models"
)

// blockDispatcher buffers runner blocks until a natural boundary (a Final
// block, or a ToolCall block that should flush whatever text preceded it)
// and hands the assembled text to a channel plugin's Deliver, per spec.md
// §4.6: "collects blocks until a natural boundary, then calls Deliver with
// chunked text."
type blockDispatcher struct {
	channel    string
	sessionKey models.SessionKey
	account    *models.AccountConfig
	channelCfg *models.ChannelConfig
	deliver    Deliverer
	buf        strings.Builder
}

func newBlockDispatcher(channel string, sessionKey models.SessionKey, account *models.AccountConfig, channelCfg *models.ChannelConfig, deliver Deliverer) *blockDispatcher {
	return &blockDispatcher{channel: channel, sessionKey: sessionKey, account: account, channelCfg: channelCfg, deliver: deliver}
}

func (d *blockDispatcher) accept(ctx context.Context, b contracts.Block) {
	if b.Text != "" {
		d.buf.WriteString(b.Text)
	}
	if b.ToolCall || b.Final {
		d.flush(ctx)
	}
}

// flush delivers whatever has been buffered, if anything, and resets the
// buffer. A delivery failure is reported upstream with source "delivery"
// (spec.md §4.6 "(i) Delivery failures MUST be reported upstream with kind
// (delivery/tool/internal)") via the process-wide failure registry, so
// cmd/gateway's registered delivery-rejection handler can claim it — but it
// never stalls the run: the caller keeps consuming blocks regardless of the
// outcome here.
func (d *blockDispatcher) flush(ctx context.Context) {
	text := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	if text == "" {
		return
	}
	if err := d.deliver.Deliver(ctx, d.channel, chunkReply(d.channel, d.account, d.channelCfg, text, "", "")); err != nil {
		failure.Report("delivery", err, map[string]interface{}{
			"channel":     d.channel,
			"session_key": string(d.sessionKey),
		})
	}
}
