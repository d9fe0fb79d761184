package libnet

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"github.com/zhazhalaila/SubsetBFT/consensus"
	"github.com/zhazhalaila/SubsetBFT/message"
)

var ErrUnknownPeer = errors.New("unknown peer")

type peer struct {
	mu   deadlock.Mutex
	conn net.Conn
	enc  *cbor.Encoder
}

type Network struct {
	logger    zerolog.Logger             // Global log.
	mu        deadlock.RWMutex           // RWLock to prevent race condition.
	port      string                     // Network port.
	listener  net.Listener               // Network listener.
	wg        sync.WaitGroup             // Accept loop and connection handlers.
	stopCh    chan bool                  // Stop server.
	consumeCh chan *message.Envelope     // Upon receive msg from network send msg to channel.
	releaseCh chan bool                  // Consensus module release.
	conns     map[string]net.Conn        // Cache all remote connection. e.g. {'RemoteAddr': net.conn}.
	peers     map[consensus.NodeID]*peer // Outbound connection per peer.
}

var _ consensus.Sender = (*Network)(nil)

// Create network.
func MakeNetwork(port string, logger zerolog.Logger, consumeCh chan *message.Envelope, releaseCh chan bool) *Network {
	rn := &Network{}
	rn.port = port
	rn.logger = logger.With().Str("component", "libnet").Logger()
	rn.stopCh = make(chan bool)
	rn.consumeCh = consumeCh
	rn.releaseCh = releaseCh
	rn.conns = make(map[string]net.Conn)
	rn.peers = make(map[consensus.NodeID]*peer)
	return rn
}

// Start listens on the port and accepts connections in the background.
func (rn *Network) Start() error {
	listener, err := net.Listen("tcp", rn.port)
	if err != nil {
		return fmt.Errorf("socket listen port %s: %w", rn.port, err)
	}
	rn.listener = listener
	rn.logger.Info().Str("addr", listener.Addr().String()).Msg("network listening")

	rn.wg.Add(1)
	go rn.acceptLoop()
	return nil
}

func (rn *Network) acceptLoop() {
	defer rn.wg.Done()
	for {
		conn, err := rn.listener.Accept()
		if err != nil {
			select {
			case <-rn.stopCh:
			default:
				rn.logger.Error().Err(err).Msg("accept error")
			}
			return
		}
		// Store connection, unless shutdown already closed the others
		rn.mu.Lock()
		select {
		case <-rn.stopCh:
			rn.mu.Unlock()
			conn.Close()
			return
		default:
		}
		rn.conns[conn.RemoteAddr().String()] = conn
		rn.wg.Add(1)
		rn.mu.Unlock()
		go rn.handleConn(conn)
	}
}

// Addr is the bound listen address, nil before Start.
func (rn *Network) Addr() net.Addr {
	if rn.listener == nil {
		return nil
	}
	return rn.listener.Addr()
}

// Connect dials the peer with id, replacing any previous connection.
func (rn *Network) Connect(id consensus.NodeID, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connect peer %d at %s: %w", id, addr, err)
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()
	if old, ok := rn.peers[id]; ok {
		old.conn.Close()
	}
	rn.peers[id] = &peer{conn: conn, enc: message.NewEncoder(conn)}
	rn.logger.Debug().Uint64("peer", uint64(id)).Str("addr", addr).Msg("peer connected")
	return nil
}

func (rn *Network) SendToPeer(id consensus.NodeID, env *message.Envelope) error {
	rn.mu.RLock()
	p, ok := rn.peers[id]
	rn.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(env); err != nil {
		return fmt.Errorf("send to peer %d: %w", id, err)
	}
	return nil
}

// Broadcast sends env to every connected peer and collects the failures.
func (rn *Network) Broadcast(env *message.Envelope) error {
	rn.mu.RLock()
	ids := make([]consensus.NodeID, 0, len(rn.peers))
	for id := range rn.peers {
		ids = append(ids, id)
	}
	rn.mu.RUnlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := rn.SendToPeer(id, env); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Shutdown network, close every connection and wait for the consumer.
func (rn *Network) Shutdown() {
	close(rn.stopCh)
	if rn.listener != nil {
		rn.listener.Close()
	}

	rn.mu.Lock()
	for _, conn := range rn.conns {
		conn.Close()
	}
	for _, p := range rn.peers {
		p.conn.Close()
	}
	rn.mu.Unlock()

	rn.wg.Wait()
	rn.logger.Debug().Msg("close consume channel")
	close(rn.consumeCh)
	// Wait for consensus module done
	if rn.releaseCh != nil {
		<-rn.releaseCh
	}
}

// Handle connection
func (rn *Network) handleConn(conn net.Conn) {
	defer func() {
		// delete connection from network and close connection.
		rn.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("remote machine close connection")
		rn.mu.Lock()
		delete(rn.conns, conn.RemoteAddr().String())
		rn.mu.Unlock()
		conn.Close()
		rn.wg.Done()
	}()

	dec := message.NewDecoder(conn)

	for {
		var env message.Envelope
		if err := dec.Decode(&env); err == io.EOF {
			// remote machine close connection.
			return
		} else if err != nil {
			// network error or a frame we cannot parse.
			select {
			case <-rn.stopCh:
			default:
				rn.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("decode envelope")
			}
			return
		}
		if err := message.Check(&env); err != nil {
			rn.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("drop connection")
			return
		}
		// send data to channel.
		select {
		case rn.consumeCh <- &env:
		case <-rn.stopCh:
			return
		}
	}
}
