package kernel

import "time"

// Recorder receives kernel measurements. monitoring.Metrics implements it.
type Recorder interface {
	RecordMessage(source, method string)
	RecordRejected(kind string)
	RecordQueryOpened()
	RecordQueryClosed(duration time.Duration, failed bool)
	RecordModuleLoad(duration time.Duration, err error)
	RecordContextLaunched()
	RecordContextFault()
	SetState(openQueries, modules, loading int)
}

type nopRecorder struct{}

func (nopRecorder) RecordMessage(string, string)          {}
func (nopRecorder) RecordRejected(string)                 {}
func (nopRecorder) RecordQueryOpened()                    {}
func (nopRecorder) RecordQueryClosed(time.Duration, bool) {}
func (nopRecorder) RecordModuleLoad(time.Duration, error) {}
func (nopRecorder) RecordContextLaunched()                {}
func (nopRecorder) RecordContextFault()                   {}
func (nopRecorder) SetState(int, int, int)                {}
