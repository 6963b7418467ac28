// Package pipeline connects audio elements into chains and controls them as
// one graph.
//
// # Core Components
//
//   - Pipeline: registry of elements keyed by tag plus the active chains
//   - Chain: an ordered list of tags with one ring buffer between neighbours
//   - Listener: the event bus every linked element reports its status to
//
// # Usage Example
//
//	p, err := pipeline.New(pipeline.DefaultConfig(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	p.Register(mp3Reader, "file_mp3")
//	p.Register(mp3Decoder, "mp3")
//	p.Register(resampler, "filter")
//	p.Register(output, "output")
//
//	bus := p.NewEventBus()
//	p.Link("file_mp3", "mp3", "filter", "output")
//	p.SetListener(bus)
//	p.Run()
//
//	// switch decoders without touching the filter and output
//	p.Pause()
//	p.Breakup(mp3Decoder)
//	p.Relink("file_wav", "wav", "filter", "output")
//	p.Run()
//	p.Resume()
//
// # Reconfiguration
//
// Breakup removes an element and everything downstream of it from its chain
// while upstream elements stay linked. Relink builds a new chain and reuses
// the ring buffers of pairs that stay adjacent, so data already queued between
// them survives the switch. Elements stay registered until Unregister and are
// never released by the graph.
//
// # State Management
//
// The graph moves through idle, running, paused and stopped. Element states
// are reported individually on the listener bus as CmdReportStatus messages.
//
// # Thread Safety
//
// Graph surgery and run control are serialized under one mutex and fail
// without side effects. Each element runs its own worker goroutine.
package pipeline
