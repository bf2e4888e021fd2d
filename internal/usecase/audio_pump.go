package usecase

import "sonicres/internal/ports"

// relayChunk forwards one encoded chunk to the current session's transport.
// Chunks are never queued: anything produced while the transport is not open
// is dropped.
func (o *Orchestrator) relayChunk(s *session, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	o.mu.Lock()
	var transport ports.Transport
	if o.current == s {
		transport = s.transport
	}
	o.mu.Unlock()

	if transport == nil || !transport.IsOpen() {
		o.metrics.ChunkDropped()
		return
	}
	if err := transport.SendBinary(chunk); err != nil {
		o.metrics.ChunkDropped()
		o.logger.Warn("failed to stream audio chunk", "session_id", s.id, "error", err)
		return
	}
	o.metrics.ChunkSent(len(chunk))
}
