package coinjoin

import (
	"fmt"

	"github.com/ark-network/coinjoin/types"
	log "github.com/sirupsen/logrus"
)

func roundPrefix(round types.RoundState) string {
	id := round.ID.String()
	kind := "Round"
	if round.IsBlame() {
		kind = "Blame Round"
	}
	return fmt.Sprintf("%s (%s...%s)", kind, id[:7], id[len(id)-7:])
}

func (c *Client) log() *log.Entry {
	fields := log.Fields{"wallet": c.wallet.Name()}
	if c.cfg.CoordinatorName != "" {
		fields["coordinator"] = c.cfg.CoordinatorName
	}
	return log.WithFields(fields)
}

func (c *Client) roundLog(round types.RoundState) *roundLogger {
	return &roundLogger{c.log(), roundPrefix(round)}
}

// roundLogger prefixes every line with the round it refers to.
type roundLogger struct {
	entry  *log.Entry
	prefix string
}

func (l *roundLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(l.prefix+": "+format, args...)
}

func (l *roundLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(l.prefix+": "+format, args...)
}

func (l *roundLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(l.prefix+": "+format, args...)
}

func (l *roundLogger) WithError(err error) *roundLogger {
	return &roundLogger{l.entry.WithError(err), l.prefix}
}
