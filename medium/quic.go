/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2024 Google LLC. All Rights Reserved.
 */

package medium

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/google/nearby/frame"
	"github.com/google/nearby/status"
)

// quicStreamSocket pairs a quic.Stream with the quic.Connection it came
// from, the same QuicConn{Stream, Conn} shape
// xendarboh-katzenpost/sockatz/common uses to present a QUIC stream as
// a single net.Conn-like byte pipe; Close closes the stream and then
// the underlying connection, taking any sibling stream down with it.
type quicStreamSocket struct {
	stream quic.Stream
	conn   quic.Connection
}

func (s *quicStreamSocket) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicStreamSocket) Write(p []byte) (int, error) { return s.stream.Write(p) }
func (s *quicStreamSocket) Close() error {
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "")
}

// QUICMedium is a concrete Medium standing in for the Wi-Fi
// Direct/Hotspot medium: each advertised service owns one
// quic.Listener, each incoming connection's first stream becomes a
// Socket. Chosen over the WebSocket stand-in wherever a medium needs
// to demonstrate multiplexed streams over one connection, mirroring
// how real Wi-Fi Direct groups keep one physical link per group owner.
type QUICMedium struct {
	mu       sync.Mutex
	tlsConf  *tls.Config
	listeners map[string]*quicListener
}

type quicListener struct {
	ln       *quic.Listener
	acceptCB AcceptCallback
	cancel   context.CancelFunc
}

func NewQUICMedium() (*QUICMedium, status.Status) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, status.Wrap(status.Error, err)
	}
	return &QUICMedium{tlsConf: tlsConf, listeners: make(map[string]*quicListener)}, status.OKStatus
}

// generateTLSConfig mints a throwaway self-signed certificate, the
// same role common.GenerateTLSConfig plays for sockatz's QUICProxyConn
// — there is no PKI in this domain, mediums authenticate each other
// via the handshake package's key agreement, not via TLS trust.
func generateTLSConfig() (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"nearby"},
	}, nil
}

func (m *QUICMedium) Tag() frame.MediumTag {
	return frame.MediumWifiDirect
}

func (m *QUICMedium) Advertise(serviceID string, powerLevel int, info []byte) status.Status {
	return status.OKStatus
}

func (m *QUICMedium) StopAdvertising(serviceID string) status.Status {
	return status.OKStatus
}

func (m *QUICMedium) StartScanning(serviceID string, powerLevel int, cb DiscoveryCallback) status.Status {
	return status.OKStatus
}

func (m *QUICMedium) StopScanning(serviceID string) status.Status {
	return status.OKStatus
}

// ListenAddr returns the bound UDP address once
// StartAcceptingConnections has been called, for a peer to Connect to.
func (m *QUICMedium) ListenAddr(serviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listeners[serviceID]
	if !ok {
		return "", false
	}
	return l.ln.Addr().String(), true
}

func (m *QUICMedium) StartAcceptingConnections(serviceID string, cb AcceptCallback) status.Status {
	ln, err := quic.ListenAddr("127.0.0.1:0", m.tlsConf, nil)
	if err != nil {
		return status.Wrap(status.EndpointIoError, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.listeners[serviceID] = &quicListener{ln: ln, acceptCB: cb, cancel: cancel}
	m.mu.Unlock()

	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go func(c quic.Connection) {
				stream, err := c.AcceptStream(ctx)
				if err != nil {
					return
				}
				cb(&quicStreamSocket{stream: stream, conn: c}, c.RemoteAddr().String())
			}(conn)
		}
	}()
	return status.OKStatus
}

func (m *QUICMedium) StopAcceptingConnections(serviceID string) status.Status {
	m.mu.Lock()
	l, ok := m.listeners[serviceID]
	delete(m.listeners, serviceID)
	m.mu.Unlock()
	if ok {
		l.cancel()
		_ = l.ln.Close()
	}
	return status.OKStatus
}

// Connect dials remoteHandle, a "host:port" UDP address, and opens the
// single stream that becomes the returned Socket.
func (m *QUICMedium) Connect(ctx context.Context, serviceID string, remoteHandle string) (Socket, status.Status) {
	if remoteHandle == "" {
		return nil, status.Wrap(status.EndpointIoError, errors.New("missing remote address"))
	}
	udpAddr, err := net.ResolveUDPAddr("udp", remoteHandle)
	if err != nil {
		return nil, status.Wrap(status.EndpointIoError, err)
	}

	conn, err := quic.DialAddr(ctx, udpAddr.String(), &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"nearby"}}, nil)
	if err != nil {
		return nil, status.Wrap(status.EndpointIoError, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, status.Wrap(status.EndpointIoError, err)
	}
	return &quicStreamSocket{stream: stream, conn: conn}, status.OKStatus
}
