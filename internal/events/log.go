package events

import "github.com/andrej220/biusrv/pkg/lg"

// LogSink writes events to a structured logger. Progress goes to debug level.
type LogSink struct {
	Logger lg.Logger
}

func (s LogSink) Progress(p Progress) {
	s.Logger.Debug("transfer progress",
		lg.String("server", p.Server),
		lg.String("entry", p.Entry),
		lg.Int("index", p.Index),
		lg.Int("total", p.Total),
		lg.Int64("bytesDone", p.BytesDone),
		lg.Int64("bytesTotal", p.BytesTotal))
}

func (s LogSink) Output(o Output) {
	s.Logger.Info(o.Text,
		lg.String("server", o.Server),
		lg.String("stream", string(o.Stream)))
}
