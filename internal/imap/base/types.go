package base

import (
	"crypto/tls"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
)

// Client is an interface to abstract the client.Client methods used
type Client interface {
	Create(name string) error
	Expunge(ch chan uint32) error
	Idle(stop <-chan struct{}, opts *imapclient.IdleOptions) error
	List(ref, name string, ch chan *imap.MailboxInfo) error
	LoggedOut() <-chan struct{}
	Login(username string, password string) error
	Logout() error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	StartTLS(tlsConfig *tls.Config) error
	State() imap.ConnState
	Store(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	Terminate() error
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
}

// Message is a fetched message. SeqNum is only valid for the session that
// fetched it.
type Message struct {
	UID    uint32
	SeqNum uint32
	Body   []byte
}

// Response is a server response seen while idling.
type Response struct {
	Name   string
	Number uint32
}

const (
	ResponseExists  = "EXISTS"
	ResponseExpunge = "EXPUNGE"
	ResponseFetch   = "FETCH"
	ResponseStatus  = "STATUS"
)

type StoreOp string

const (
	AddFlags    StoreOp = "+FLAGS"
	RemoveFlags StoreOp = "-FLAGS"
	SetFlags    StoreOp = "FLAGS"
)

const DeletedFlag = imap.DeletedFlag
