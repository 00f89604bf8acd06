package ftps

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// testFile is a file served by the test server.
type testFile struct {
	content string
	mtime   string // RFC 3659 time-val
}

// testServer is a scripted FTPS server for tests. It speaks enough of the
// protocol to exercise the client: explicit (AUTH TLS) and implicit TLS,
// passive and active data connections with optional TLS (honoring PROT),
// FEAT, MDTM, and basic transfers against an in-memory file map.
type testServer struct {
	listener net.Listener

	// tlsConfig, when set, is used for the control upgrade/implicit
	// handshake and for protected data connections. Control and data
	// share the instance so session tickets resume across them.
	tlsConfig   *tls.Config
	implicitTLS bool

	// transferDelay stretches each data transfer, for keep-alive tests
	transferDelay time.Duration

	// noopReplies are consumed in order by NOOP; once exhausted the
	// server answers "200 OK"
	noopReplies []string

	// failEPSV makes the server reject EPSV with 502
	failEPSV bool

	files map[string]testFile

	mu          sync.Mutex
	commands    []string
	protLevel   string
	noopIdx     int
	dataResumed []bool
	storedFiles map[string]string

	wg sync.WaitGroup
}

// newTestServer starts a test server. Configuration mutators run before
// the accept loop starts.
func newTestServer(t *testing.T, configure ...func(*testServer)) *testServer {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &testServer{
		listener: l,
		files: map[string]testFile{
			"/file.txt": {content: "hello from the test server\n", mtime: "20231220143000"},
			"/data.bin": {content: strings.Repeat("x", 4096), mtime: "20240102030405"},
		},
		storedFiles: make(map[string]string),
	}

	for _, fn := range configure {
		fn(s)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.stop)
	return s
}

func (s *testServer) addr() string { return s.listener.Addr().String() }

func (s *testServer) stop() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *testServer) receivedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) countCommand(verb string) int {
	n := 0
	for _, cmd := range s.receivedCommands() {
		if cmd == verb {
			n++
		}
	}
	return n
}

func (s *testServer) storedFile(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.storedFiles[path]
	return content, ok
}

func (s *testServer) lastDataResumed() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dataResumed) == 0 {
		return false, false
	}
	return s.dataResumed[len(s.dataResumed)-1], true
}

func (s *testServer) nextNoopReply() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noopIdx < len(s.noopReplies) {
		reply := s.noopReplies[s.noopIdx]
		s.noopIdx++
		return reply
	}
	return "200 OK"
}

func (s *testServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// controlWriter serializes control replies so the asynchronous transfer
// completion cannot interleave with command replies.
type controlWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *controlWriter) reply(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.conn, format+"\r\n", args...)
}

func (w *controlWriter) setConn(conn net.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn = conn
}

func (s *testServer) serveConn(conn net.Conn) {
	defer conn.Close()

	if s.implicitTLS {
		tlsConn := tls.Server(conn, s.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		conn = tlsConn
	}

	w := &controlWriter{conn: conn}
	w.reply("220 Service ready")

	reader := bufio.NewReader(conn)

	// Data channel state. Passive mode listens; active mode dials back
	// to the address announced with PORT.
	var dataListener net.Listener
	var activeAddr string
	defer func() {
		if dataListener != nil {
			dataListener.Close()
		}
	}()

	var transferWG sync.WaitGroup
	defer transferWG.Wait()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		verb, args, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		s.mu.Lock()
		s.commands = append(s.commands, verb)
		s.mu.Unlock()

		switch verb {
		case "AUTH":
			if s.tlsConfig == nil || s.implicitTLS || !strings.EqualFold(args, "TLS") {
				w.reply("502 Command not implemented")
				continue
			}
			w.reply("234 Proceed with negotiation")
			tlsConn := tls.Server(conn, s.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			w.setConn(conn)
			reader = bufio.NewReader(conn)

		case "USER":
			w.reply("331 User name okay, need password")

		case "PASS":
			if args == "test" {
				w.reply("230 User logged in, proceed")
			} else {
				w.reply("530 Login incorrect")
			}

		case "FEAT":
			w.reply("211-Features:\r\n MDTM\r\n SIZE\r\n PBSZ\r\n PROT\r\n MODE Z\r\n UTF8\r\n211 End")

		case "TYPE":
			w.reply("200 Type set to %s", args)

		case "PBSZ":
			w.reply("200 PBSZ=%s", args)

		case "PROT":
			s.mu.Lock()
			s.protLevel = args
			s.mu.Unlock()
			w.reply("200 Protection level set to %s", args)

		case "NOOP":
			w.reply("%s", s.nextNoopReply())

		case "SYST":
			w.reply("215 UNIX Type: L8")

		case "PWD":
			w.reply("257 \"/\" is the current directory")

		case "CWD":
			w.reply("250 Directory changed")

		case "MKD":
			w.reply("257 %q created", args)

		case "RMD", "DELE":
			w.reply("250 Requested file action okay")

		case "RNFR":
			if _, ok := s.files[args]; !ok {
				w.reply("550 %s: No such file or directory", args)
				continue
			}
			w.reply("350 Ready for RNTO")

		case "RNTO":
			w.reply("250 Rename successful")

		case "EPSV":
			if s.failEPSV {
				w.reply("502 Command not implemented")
				continue
			}
			var err error
			dataListener, err = s.resetDataListener(dataListener)
			if err != nil {
				w.reply("425 Can't open data connection")
				continue
			}
			_, port, _ := net.SplitHostPort(dataListener.Addr().String())
			w.reply("229 Entering Extended Passive Mode (|||%s|)", port)

		case "PASV":
			var err error
			dataListener, err = s.resetDataListener(dataListener)
			if err != nil {
				w.reply("425 Can't open data connection")
				continue
			}
			_, portStr, _ := net.SplitHostPort(dataListener.Addr().String())
			port, _ := strconv.Atoi(portStr)
			w.reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256)

		case "PORT":
			parts := strings.Split(args, ",")
			if len(parts) != 6 {
				w.reply("501 Syntax error")
				continue
			}
			p1, _ := strconv.Atoi(parts[4])
			p2, _ := strconv.Atoi(parts[5])
			host := strings.Join(parts[0:4], ".")
			activeAddr = net.JoinHostPort(host, strconv.Itoa(p1*256+p2))
			w.reply("200 PORT command successful")

		case "LIST", "NLST":
			var listing strings.Builder
			for name, f := range s.files {
				base := strings.TrimPrefix(name, "/")
				if verb == "NLST" {
					fmt.Fprintf(&listing, "%s\r\n", base)
				} else {
					fmt.Fprintf(&listing, "-rw-r--r-- 1 test test %d Dec 20 14:30 %s\r\n", len(f.content), base)
				}
			}
			s.sendData(w, dataListener, activeAddr, &transferWG, listing.String())

		case "RETR":
			f, ok := s.files[args]
			if !ok {
				w.reply("550 %s: No such file or directory", args)
				continue
			}
			s.sendData(w, dataListener, activeAddr, &transferWG, f.content)

		case "STOR":
			s.receiveData(w, dataListener, activeAddr, &transferWG, args)

		case "MDTM":
			f, ok := s.files[args]
			if !ok {
				w.reply("550 %s: No such file or directory", args)
				continue
			}
			w.reply("213 %s", f.mtime)

		case "SIZE":
			f, ok := s.files[args]
			if !ok {
				w.reply("550 %s: No such file or directory", args)
				continue
			}
			w.reply("213 %d", len(f.content))

		case "QUIT":
			w.reply("221 Goodbye")
			return

		default:
			w.reply("502 Command not implemented")
		}
	}
}

func (s *testServer) resetDataListener(old net.Listener) (net.Listener, error) {
	if old != nil {
		old.Close()
	}
	return net.Listen("tcp", "127.0.0.1:0")
}

// openDataConn establishes one data connection: accepting on the passive
// listener, or dialing back in active mode. Upgrades to TLS when the
// session negotiated PROT P.
func (s *testServer) openDataConn(listener net.Listener, activeAddr string) (net.Conn, error) {
	var conn net.Conn
	var err error

	switch {
	case listener != nil:
		if tl, ok := listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(5 * time.Second))
		}
		conn, err = listener.Accept()
	case activeAddr != "":
		conn, err = net.DialTimeout("tcp", activeAddr, 5*time.Second)
	default:
		err = fmt.Errorf("no data channel negotiated")
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	protected := s.protLevel == "P" && s.tlsConfig != nil
	s.mu.Unlock()

	if protected {
		tlsConn := tls.Server(conn, s.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		s.mu.Lock()
		s.dataResumed = append(s.dataResumed, tlsConn.ConnectionState().DidResume)
		s.mu.Unlock()
		conn = tlsConn
	}

	return conn, nil
}

// sendData replies 150, then writes the payload on the data connection and
// completes with 226. The transfer runs in its own goroutine so the
// control loop keeps answering commands (NOOP) mid-transfer.
func (s *testServer) sendData(w *controlWriter, listener net.Listener, activeAddr string, wg *sync.WaitGroup, payload string) {
	w.reply("150 Opening data connection")

	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := s.openDataConn(listener, activeAddr)
		if err != nil {
			w.reply("425 Can't open data connection")
			return
		}
		if s.transferDelay > 0 {
			time.Sleep(s.transferDelay)
		}
		_, _ = conn.Write([]byte(payload))
		conn.Close()
		w.reply("226 Transfer complete")
	}()
}

// receiveData replies 150, reads the payload from the data connection into
// storedFiles, and completes with 226.
func (s *testServer) receiveData(w *controlWriter, listener net.Listener, activeAddr string, wg *sync.WaitGroup, path string) {
	w.reply("150 Opening data connection")

	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := s.openDataConn(listener, activeAddr)
		if err != nil {
			w.reply("425 Can't open data connection")
			return
		}
		if s.transferDelay > 0 {
			time.Sleep(s.transferDelay)
		}
		var buf strings.Builder
		b := make([]byte, 4096)
		for {
			n, err := conn.Read(b)
			buf.Write(b[:n])
			if err != nil {
				break
			}
		}
		conn.Close()
		s.mu.Lock()
		s.storedFiles[path] = buf.String()
		s.mu.Unlock()
		w.reply("226 Transfer complete")
	}()
}

// generateTestCert creates a self-signed server certificate with the given
// SANs and returns a server config and a pool trusting the certificate.
func generateTestCert(t *testing.T, dnsNames []string, ips []net.IP) (*tls.Config, *x509.CertPool) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate private key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"ftps test"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        leaf,
		}},
	}

	return serverConfig, pool
}

// dialTestServer connects and logs in with the test credentials.
func dialTestServer(t *testing.T, s *testServer, options ...Option) *Client {
	t.Helper()

	options = append([]Option{WithTimeout(5 * time.Second)}, options...)
	c, err := Dial(s.addr(), options...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := c.Login("test", "test"); err != nil {
		_ = c.Disconnect()
		t.Fatalf("Login failed: %v", err)
	}
	return c
}
