package radio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"sync"

	"go.bug.st/serial"

	"lightsout/internal/domain"
)

const (
	queueSize     = 256
	maxPacketSize = 64 * 1024
)

// Serial is a line-framed LoRa modem attached over a serial port.
// Each newline-terminated line is one packet.
type Serial struct {
	port    io.ReadWriteCloser
	packets chan []byte

	mu        sync.Mutex
	connected bool
	done      chan struct{}
}

// Open opens portName at baud and starts reading packets
func Open(portName string, baud int) (*Serial, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", domain.ErrTransportUnavailable, portName, err)
	}

	log.Printf("Opened radio on %s at %d baud", portName, baud)
	return New(port), nil
}

// New wraps an already open link
func New(port io.ReadWriteCloser) *Serial {
	s := &Serial{
		port:      port,
		packets:   make(chan []byte, queueSize),
		connected: true,
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Send writes one packet followed by a newline
func (s *Serial) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return fmt.Errorf("%w: radio disconnected", domain.ErrTransportUnavailable)
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	if _, err := s.port.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// Receive returns the next queued packet or nil without blocking
func (s *Serial) Receive() []byte {
	select {
	case p := <-s.packets:
		return p
	default:
		return nil
	}
}

func (s *Serial) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close releases the port and waits for the reader to exit
func (s *Serial) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	err := s.port.Close()
	<-s.done
	return err
}

func (s *Serial) readLoop() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.port)
	scanner.Buffer(make([]byte, 4096), maxPacketSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		packet := make([]byte, len(line))
		copy(packet, line)

		select {
		case s.packets <- packet:
		default:
			log.Printf("Radio receive queue full, dropping %d byte packet", len(packet))
		}
	}

	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.mu.Unlock()

	if wasConnected {
		log.Printf("Radio link closed: %v", scanner.Err())
	}
}
