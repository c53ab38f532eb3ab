package ftest

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"aaronromeo.com/mailwatch/internal/config"
	"aaronromeo.com/mailwatch/pkg/mock"
	"github.com/emersion/go-imap"
	compress "github.com/emersion/go-imap-compress"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

// Credentials of the memory backend's only user.
const (
	DefaultUser = "username"
	DefaultPass = "password"
)

// Server is an in-process IMAP server backed by memory storage. INBOX starts
// with one seen message.
type Server struct {
	Addr string

	backend *memory.Backend
	user    backend.User
	mu      sync.Mutex
}

// SetupIMAPServer starts a plain text IMAP server with COMPRESS enabled and
// stops it when the test ends.
func SetupIMAPServer(t *testing.T) *Server {
	t.Helper()

	be := memory.New()
	srv := server.New(be)
	// Since we will use this server for testing only, we can allow plain text
	// authentication over non-encrypted connections
	srv.AllowInsecureAuth = true
	srv.Enable(compress.NewExtension())

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = srv.Serve(listener)
	}()

	user, err := be.Login(nil, DefaultUser, DefaultPass)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = srv.Close()
		wg.Wait()
	})

	return &Server{
		Addr:    listener.Addr().String(),
		backend: be,
		user:    user,
	}
}

// Mailbox returns a configuration pointing at this server for the given folder.
func (s *Server) Mailbox(t *testing.T, folder string) config.Mailbox {
	t.Helper()
	host, port, err := net.SplitHostPort(s.Addr)
	require.NoError(t, err)

	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	ssl := false
	mb := config.Mailbox{
		Name:          folder,
		Host:          host,
		Port:          portNum,
		SSL:           &ssl,
		Email:         DefaultUser,
		Password:      DefaultPass,
		IdleTimeout:   config.Duration(200 * time.Millisecond),
		SearchCommand: config.DefaultSearchCommand,
		Backend:       config.BackendIMAP,
		Context:       "ftest",
		Delivery:      config.Delivery{Method: config.DeliveryLogger},
	}
	return mb
}

// Append adds an unseen message to folder.
func (s *Server) Append(t *testing.T, folder, raw string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox, err := s.user.GetMailbox(folder)
	require.NoError(t, err)
	require.NoError(t, mbox.CreateMessage(nil, time.Now(), mock.NewStringLiteral(raw)))
}

// CreateFolder adds an empty folder.
func (s *Server) CreateFolder(t *testing.T, name string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.user.CreateMailbox(name))
}

// FolderExists reports whether name exists for the test user.
func (s *Server) FolderExists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.user.GetMailbox(name)
	return err == nil
}

// Count returns the number of messages in folder.
func (s *Server) Count(t *testing.T, folder string) uint32 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	mbox, err := s.user.GetMailbox(folder)
	require.NoError(t, err)
	status, err := mbox.Status([]imap.StatusItem{imap.StatusMessages})
	require.NoError(t, err)
	return status.Messages
}

// SampleMessage renders a minimal RFC 5322 message.
func SampleMessage(from, to, subject, body string) string {
	lines := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"Message-Id: <" + strings.ReplaceAll(strings.ToLower(subject), " ", "-") + "@example.com>",
		"Date: " + time.Now().Format(time.RFC1123Z),
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}
	return strings.Join(lines, "\r\n")
}
