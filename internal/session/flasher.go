package session

import (
	"fmt"
	"hash/crc32"
	"time"

	"devicegateway/internal/wire"
)

// FlashState is one step of the OTA state machine (spec.md §4.6).
// Terminal states are Done and Failed.
type FlashState int

const (
	FlashPreparing FlashState = iota
	FlashBeginSent
	FlashReadyReceived
	FlashSendingChunks
	FlashAwaitingChunkAck
	FlashDone
	FlashFailed
)

func (f FlashState) String() string {
	switch f {
	case FlashPreparing:
		return "PREPARING"
	case FlashBeginSent:
		return "BEGIN_SENT"
	case FlashReadyReceived:
		return "READY_RECEIVED"
	case FlashSendingChunks:
		return "SENDING_CHUNKS"
	case FlashAwaitingChunkAck:
		return "AWAITING_CHUNK_ACK"
	case FlashDone:
		return "DONE"
	case FlashFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Flasher drives one OTA update against a session. It is its own
// identity token for the session's exclusive-ownership check: only
// the Flasher instance that took ownership may write frames while an
// update is in flight.
type Flasher struct {
	session *Session
	state   FlashState
	reason  string
}

// UFlash pushes binary as new firmware. FlashKnown looks binary up by
// app name and environment in the firmware store first.
func (s *Session) UFlash(binary []byte) error {
	f := &Flasher{session: s, state: FlashPreparing}
	return f.run(binary)
}

func (s *Session) FlashKnown(appName, environment string) error {
	if s.firmware == nil {
		return &FlashError{Reason: "no firmware store configured"}
	}
	binary, err := s.firmware.KnownFirmware(appName, environment)
	if err != nil {
		return &FlashError{Reason: err.Error()}
	}
	return s.UFlash(binary)
}

func (f *Flasher) run(binary []byte) error {
	s := f.session

	if len(binary) == 0 || len(binary) > s.cfg.MaxBinarySize {
		return &FlashError{Reason: fmt.Sprintf("binary size %d outside (0, %d]", len(binary), s.cfg.MaxBinarySize)}
	}

	if err := s.takeOwnership(f); err != nil {
		return err
	}
	s.setActiveFlasher(f)
	defer func() {
		s.setActiveFlasher(nil)
		s.releaseOwnership(f)
	}()

	s.emitFlashStatus("started")

	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 512
	}
	chunkCount := (len(binary) + chunkSize - 1) / chunkSize

	f.state = FlashBeginSent
	beginPayload := make([]byte, 0, 8)
	sizeBytes, _ := wire.EncodeValue(wire.TypeUint32, uint32(len(binary)))
	chunkBytes, _ := wire.EncodeValue(wire.TypeUint16, uint16(chunkSize))
	beginPayload = append(beginPayload, sizeBytes...)
	beginPayload = append(beginPayload, chunkBytes...)

	reply, err := s.listenFor(f, wire.KindUpdateReady, func(token byte) wire.Message {
		return requestFrame(wire.KindUpdateBegin, "", beginPayload)
	}, defaultRequestTimeout)
	if err != nil {
		f.fail("device did not acknowledge update begin: " + err.Error())
		return &FlashError{Reason: f.reason}
	}
	_ = reply
	f.state = FlashReadyReceived

	f.state = FlashSendingChunks
	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(binary) {
			end = len(binary)
		}
		chunk := make([]byte, chunkSize)
		copy(chunk, binary[start:end])

		if err := f.sendChunkWithRetry(uint16(i), chunk); err != nil {
			f.fail(err.Error())
			return &FlashError{Reason: f.reason}
		}
	}

	done := requestFrame(wire.KindUpdateDone, "", nil)
	if err := s.send(f, done, true); err != nil {
		f.fail(err.Error())
		return &FlashError{Reason: f.reason}
	}

	f.state = FlashDone
	s.emitFlashStatus("success")
	return nil
}

// sendChunkWithRetry sends chunk index as a Chunk frame, validating
// the device's echoed CRC32 against the chunk we sent, retrying up to
// MaxChunkRetries times before giving up.
func (f *Flasher) sendChunkWithRetry(index uint16, chunk []byte) error {
	s := f.session
	want := crc32.ChecksumIEEE(chunk)

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxChunkRetries; attempt++ {
		f.state = FlashAwaitingChunkAck
		indexBytes, _ := wire.EncodeValue(wire.TypeUint16, index)
		payload := append(append([]byte(nil), indexBytes...), chunk...)

		reply, err := s.listenFor(f, wire.KindChunkReceived, func(token byte) wire.Message {
			return requestFrame(wire.KindChunk, "", payload)
		}, defaultRequestTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		got, err := wire.DecodeValue(wire.TypeUint32, reply.Payload)
		if err != nil {
			lastErr = err
			continue
		}
		if got.(uint32) == want {
			f.state = FlashSendingChunks
			return nil
		}
		lastErr = fmt.Errorf("chunk %d crc mismatch", index)
	}
	return fmt.Errorf("chunk %d failed after %d retries: %v", index, s.cfg.MaxChunkRetries, lastErr)
}

func (f *Flasher) fail(reason string) {
	f.state = FlashFailed
	f.reason = reason
	f.session.emitFlashStatus("failed: " + reason)
}

func (s *Session) emitFlashStatus(status string) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(false, "spark/flash/status", s.userID, []byte(status), 60, time.Now(), s.DeviceIDHex())
}

func (s *Session) setActiveFlasher(f *Flasher) {
	s.activeFlasherMu.Lock()
	s.activeFlasher = f
	s.activeFlasherMu.Unlock()
}

// abortFlash is called from the device-initiated UpdateAbort path; it
// fails whatever flasher currently owns the session, if any.
func (s *Session) abortFlash(reason string) {
	s.activeFlasherMu.Lock()
	f := s.activeFlasher
	s.activeFlasherMu.Unlock()
	if f != nil {
		f.fail(reason)
	}
}

// finishFlash is called from the device-initiated UpdateDone path. The
// Flasher's own run() sends UpdateDone itself and returns without
// waiting for a reply; this marks whatever flasher is still active as
// Done when the device sends UpdateDone on its own.
func (s *Session) finishFlash() {
	s.activeFlasherMu.Lock()
	f := s.activeFlasher
	s.activeFlasherMu.Unlock()
	if f != nil && f.state != FlashDone {
		f.state = FlashDone
	}
}
