package tracker

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/sling"
	"github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------------------------- //

var (
	// ErrUnknownTorrent is returned when the tracker refuses an announce for
	// a torrent it does not track.
	ErrUnknownTorrent = errors.New("tracker: unknown torrent")

	// ErrTrackerFailure wraps any other "failure reason" in an announce
	// response.
	ErrTrackerFailure = errors.New("tracker: announce refused")
)

// PeerAddr is one peer endpoint from an announce response.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// AnnounceResult is the decoded tracker answer to one announce.
type AnnounceResult struct {
	Interval   time.Duration
	TrackerID  string
	Complete   int
	Incomplete int
	Warning    string
	Peers      []PeerAddr
}

// ScrapeResult carries the advisory per-torrent statistics of one scrape.
type ScrapeResult struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// --------------------------------------------------------------------------------------------- //

// announceParams is the query-string shape of an announce request. The hash
// and peer ID fields carry raw bytes; the query encoder percent-escapes them.
type announceParams struct {
	InfoHash   string `url:"info_hash"`
	PeerID     string `url:"peer_id"`
	Port       uint16 `url:"port"`
	Uploaded   int64  `url:"uploaded"`
	Downloaded int64  `url:"downloaded"`
	Left       int64  `url:"left"`
	Compact    int    `url:"compact"`
	Event      string `url:"event,omitempty"`
	TrackerID  string `url:"trackerid,omitempty"`
	NumWant    int    `url:"numwant"`
}

type scrapeParams struct {
	InfoHash string `url:"info_hash"`
}

type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Warning       string `bencode:"warning message"`
	Interval      int64  `bencode:"interval"`
	TrackerID     string `bencode:"tracker id"`
	Complete      int64  `bencode:"complete"`
	Incomplete    int64  `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}


// --------------------------------------------------------------------------------------------- //

/*
Client announces one torrent session to one tracker. It retains the
trackerId token issued on the first announce and sends it back on every
subsequent request, so the tracker can correlate the session even across
address changes.

Not safe for concurrent use; the node serializes announces.
*/
type Client struct {
	base        *sling.Sling
	httpClient  *http.Client
	announceURL string
	infoHash    [20]byte
	peerID      [20]byte
	port        uint16
	numWant     int
	trackerID   string
	log         *logrus.Entry
}

// NewClient builds an announce client for one (torrent, listening port)
// session.
func NewClient(announceURL string, infoHash, peerID [20]byte, port uint16) *Client {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	return &Client{
		base:        sling.New().Client(httpClient),
		httpClient:  httpClient,
		announceURL: announceURL,
		infoHash:    infoHash,
		peerID:      peerID,
		port:        port,
		numWant:     50,
		log: logrus.WithFields(logrus.Fields{
			"component": "announce",
			"infohash":  fmt.Sprintf("%x", infoHash[:4]),
		}),
	}
}

// TrackerID returns the session token issued by the tracker, empty before
// the first successful announce.
func (c *Client) TrackerID() string {
	return c.trackerID
}

/*
Announce reports the session's transfer state to the tracker and returns the
peer list and re-announce interval.

Parameters:
  - event: EventStarted, EventStopped, EventCompleted or EventNone.
  - uploaded, downloaded: session byte totals.
  - left: bytes still missing from the local copy; zero means seeding.

Returns:
  - *AnnounceResult: decoded peer list, interval and swarm counts.
  - error: transport failures, non-2xx statuses, malformed responses, or a
    tracker-side "failure reason" (ErrUnknownTorrent for unknown torrents).
*/
func (c *Client) Announce(event string, uploaded, downloaded, left int64) (*AnnounceResult, error) {
	params := &announceParams{
		InfoHash:   string(c.infoHash[:]),
		PeerID:     string(c.peerID[:]),
		Port:       c.port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Compact:    1,
		Event:      event,
		TrackerID:  c.trackerID,
		NumWant:    c.numWant,
	}

	req, err := c.base.New().Get(c.announceURL).QueryStruct(params).Request()
	if err != nil {
		return nil, fmt.Errorf("tracker: building announce request: %w", err)
	}

	var decoded announceResponse
	if err := c.do(req, &decoded); err != nil {
		return nil, err
	}

	if decoded.FailureReason != "" {
		if strings.Contains(decoded.FailureReason, "unknown torrent") {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTorrent, decoded.FailureReason)
		}
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, decoded.FailureReason)
	}

	if decoded.TrackerID != "" {
		c.trackerID = decoded.TrackerID
	}

	peers, err := ParseCompactPeers([]byte(decoded.Peers))
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"event":    event,
		"peers":    len(peers),
		"interval": decoded.Interval,
	}).Debug("announce ok")

	return &AnnounceResult{
		Interval:   time.Duration(decoded.Interval) * time.Second,
		TrackerID:  decoded.TrackerID,
		Complete:   int(decoded.Complete),
		Incomplete: int(decoded.Incomplete),
		Warning:    decoded.Warning,
		Peers:      peers,
	}, nil
}

// Scrape fetches the advisory swarm statistics for the session's torrent.
// The files dictionary is keyed by raw info hash, so it is walked generically
// rather than unmarshalled into a struct.
func (c *Client) Scrape() (*ScrapeResult, error) {
	scrapeURL := strings.Replace(c.announceURL, "/announce", "/scrape", 1)

	req, err := c.base.New().Get(scrapeURL).QueryStruct(&scrapeParams{InfoHash: string(c.infoHash[:])}).Request()
	if err != nil {
		return nil, fmt.Errorf("tracker: building scrape request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tracker: unexpected status %s", resp.Status)
	}

	decoded, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: decoding scrape response: %w", err)
	}

	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker: scrape response is not a dictionary")
	}
	files, ok := top["files"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker: scrape response without files dictionary")
	}
	stats, ok := files[string(c.infoHash[:])].(map[string]interface{})
	if !ok {
		return nil, ErrUnknownTorrent
	}

	return &ScrapeResult{
		Complete:   intField(stats, "complete"),
		Incomplete: intField(stats, "incomplete"),
		Downloaded: intField(stats, "downloaded"),
	}, nil
}

func intField(dict map[string]interface{}, key string) int {
	if v, ok := dict[key].(int64); ok {
		return int(v)
	}
	return 0
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker: unexpected status %s", resp.Status)
	}

	if err := bencode.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("tracker: decoding response: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------------------------- //

// ParseCompactPeers decodes the compact peer list format: consecutive
// 6-byte entries, 4 bytes IPv4 address followed by a big-endian port.
func ParseCompactPeers(data []byte) ([]PeerAddr, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peer list of %d bytes", len(data))
	}

	peers := make([]PeerAddr, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		peers = append(peers, PeerAddr{
			IP:   net.IPv4(data[i], data[i+1], data[i+2], data[i+3]),
			Port: uint16(data[i+4])<<8 | uint16(data[i+5]),
		})
	}
	return peers, nil
}

// --------------------------------------------------------------------------------------------- //
