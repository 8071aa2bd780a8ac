// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"io"
	"math/rand"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"github.com/rs/zerolog"
)

// rtpPacketWriter packetizes encoded payload, protects it and sends it to every
// remote connection. All packets carry the same SSRC. Not thread safe.
type rtpPacketWriter struct {
	conn   net.PacketConn
	raddrs []net.Addr
	srtp   *srtp.Context
	log    zerolog.Logger

	codec Codec
	ssrc  uint32

	seq           sequencer
	nextTimestamp uint32
	written       uint64

	buf []byte
}

func newRTPPacketWriter(conn net.PacketConn, raddrs []net.Addr, ctx *srtp.Context, codec Codec, log zerolog.Logger) *rtpPacketWriter {
	return &rtpPacketWriter{
		conn:          conn,
		raddrs:        raddrs,
		srtp:          ctx,
		log:           log,
		codec:         codec,
		ssrc:          rand.Uint32(),
		seq:           newSendSequencer(),
		nextTimestamp: rand.Uint32(),
		buf:           make([]byte, 0, RTPBufSize),
	}
}

// WritePayload sends one packet worth of encoded samples
func (w *rtpPacketWriter) WritePayload(payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         w.written == 0,
			PayloadType:    w.codec.PayloadType,
			Timestamp:      w.nextTimestamp,
			SequenceNumber: w.seq.next(),
			SSRC:           w.ssrc,
		},
		Payload: payload,
	}
	w.nextTimestamp += w.codec.SampleTimestamp()
	w.written++

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}

	enc, err := w.srtp.EncryptRTP(w.buf[:0], data, &pkt.Header)
	if err != nil {
		return err
	}

	if RTPDebug {
		w.log.Debug().Msgf("RTP write %s > %d remotes:\n%s", w.conn.LocalAddr(), len(w.raddrs), pkt.String())
	}

	for _, raddr := range w.raddrs {
		n, err := w.conn.WriteTo(enc, raddr)
		if err != nil {
			return err
		}
		if n != len(enc) {
			return io.ErrShortWrite
		}
	}
	return nil
}
