package threat

import (
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"fleetgate/model"
)

// Network pattern thresholds.
const (
	dosFrequencyHz     = 1000.0 // sustained rate over this is flooding
	dosUniformSpread   = 0.1    // size stddev/mean below this is uniform
	smallPacketBytes   = 128
	exfilPacketBytes   = 1400
	weakEncryption     = 0.3
	reconPortThreshold = 20
	dosWindow          = 20 // recent records per source for rate shape
)

// injectionSignatures are payload substrings that never occur in
// legitimate control traffic.
var injectionSignatures = []string{
	"'; DROP",
	"<script",
	"../../",
	"\x00\x00\x00\x00MAVINJECT",
	"cmd.exe",
	"/bin/sh",
}

// NetworkEngine analyzes traffic records against flooding, injection,
// exfiltration and reconnaissance patterns. Records are kept in one
// fleet-wide bounded ring; analysis groups by source address.
type NetworkEngine struct {
	emit func(*model.Finding)

	mu      sync.Mutex
	ring    []*model.NetworkRecord
	head    int
	size    int
	bySrc   map[string][]*model.NetworkRecord // recent per source, bounded
	flagged map[string]model.FindingType      // last verdict per source, dedup
}

func NewNetworkEngine(capacity int, emit func(*model.Finding)) *NetworkEngine {
	if capacity <= 0 {
		capacity = 10000
	}
	return &NetworkEngine{
		emit:    emit,
		ring:    make([]*model.NetworkRecord, capacity),
		bySrc:   make(map[string][]*model.NetworkRecord),
		flagged: make(map[string]model.FindingType),
	}
}

// Observe records one traffic summary and runs the pattern checks.
func (n *NetworkEngine) Observe(rec *model.NetworkRecord) {
	n.mu.Lock()
	n.ring[n.head] = rec
	n.head = (n.head + 1) % len(n.ring)
	if n.size < len(n.ring) {
		n.size++
	}
	window := append(n.bySrc[rec.SourceAddr], rec)
	if len(window) > dosWindow {
		window = window[1:]
	}
	n.bySrc[rec.SourceAddr] = window
	n.mu.Unlock()

	if f := n.checkDoS(rec, window); f != nil {
		n.report(rec.SourceAddr, f)
		return
	}
	if f := n.checkInjection(rec); f != nil {
		n.report(rec.SourceAddr, f)
		return
	}
	if f := n.checkExfiltration(rec); f != nil {
		n.report(rec.SourceAddr, f)
		return
	}
	if f := n.checkRecon(rec); f != nil {
		n.report(rec.SourceAddr, f)
	}
}

// report suppresses back-to-back identical verdicts for one source so a
// flood does not itself flood the alert engine.
func (n *NetworkEngine) report(source string, f *model.Finding) {
	n.mu.Lock()
	dup := n.flagged[source] == f.Type
	n.flagged[source] = f.Type
	n.mu.Unlock()
	if dup {
		return
	}
	n.emit(f)
}

// checkDoS flags sustained high-frequency traffic of uniform small
// packets from one source.
func (n *NetworkEngine) checkDoS(rec *model.NetworkRecord, window []*model.NetworkRecord) *model.Finding {
	if rec.FrequencyHz < dosFrequencyHz || len(window) < 5 {
		return nil
	}
	sizes := make([]float64, len(window))
	for i, r := range window {
		sizes[i] = float64(r.PacketSize)
	}
	mean, std := stat.MeanStdDev(sizes, nil)
	if mean <= 0 || mean > smallPacketBytes || std/mean > dosUniformSpread {
		return nil
	}

	score := 0.85
	if rec.FrequencyHz > 5*dosFrequencyHz {
		score = 0.95
	}
	f := model.NewFinding(model.FindingNetworkDoS, model.SeverityFromScore(score), score, affectedIDs(rec)...)
	f.Features["frequency_hz"] = rec.FrequencyHz
	f.Features["mean_packet_size"] = mean
	f.Features["size_stddev"] = std
	f.Affected.SystemTypes = []string{"network"}
	f.Recommended = []string{
		"Rate-limit source " + rec.SourceAddr,
		"Verify command links on the redundant transport",
	}
	return f
}

// checkInjection matches known attack signatures in the payload sample.
func (n *NetworkEngine) checkInjection(rec *model.NetworkRecord) *model.Finding {
	if rec.PayloadSample == "" {
		return nil
	}
	lower := strings.ToLower(rec.PayloadSample)
	for _, sig := range injectionSignatures {
		if strings.Contains(lower, strings.ToLower(sig)) {
			f := model.NewFinding(model.FindingNetworkInjection, model.SeverityCritical, 0.9, affectedIDs(rec)...)
			f.Features["signature_index"] = float64(indexOf(injectionSignatures, sig))
			f.Affected.SystemTypes = []string{"network"}
			f.Recommended = []string{
				fmt.Sprintf("Block source %s", rec.SourceAddr),
				"Audit recent commands accepted from this source",
			}
			return f
		}
	}
	return nil
}

// checkExfiltration flags large poorly-encrypted transfers leaving the
// fleet network.
func (n *NetworkEngine) checkExfiltration(rec *model.NetworkRecord) *model.Finding {
	if rec.PacketSize < exfilPacketBytes || rec.EncryptionScore >= weakEncryption {
		return nil
	}
	score := 0.7
	if rec.EncryptionScore < 0.1 {
		score = 0.8
	}
	f := model.NewFinding(model.FindingNetworkExfil, model.SeverityFromScore(score), score, affectedIDs(rec)...)
	f.Features["packet_size"] = float64(rec.PacketSize)
	f.Features["encryption_score"] = rec.EncryptionScore
	f.Affected.SystemTypes = []string{"network"}
	f.Recommended = []string{
		"Capture traffic from " + rec.SourceAddr + " for inspection",
		"Rotate link keys",
	}
	return f
}

// checkRecon flags port scanning behaviour.
func (n *NetworkEngine) checkRecon(rec *model.NetworkRecord) *model.Finding {
	if !rec.ScanSignature && rec.UniquePorts < reconPortThreshold {
		return nil
	}
	score := 0.6
	if rec.ScanSignature && rec.UniquePorts >= reconPortThreshold {
		score = 0.75
	}
	f := model.NewFinding(model.FindingNetworkRecon, model.SeverityFromScore(score), score, affectedIDs(rec)...)
	f.Features["unique_ports"] = float64(rec.UniquePorts)
	if rec.ScanSignature {
		f.Features["scan_signature"] = 1
	}
	f.Affected.SystemTypes = []string{"network"}
	f.Recommended = []string{
		"Watch source " + rec.SourceAddr + " for follow-on activity",
	}
	return f
}

// Records returns up to n most recent traffic records, oldest first.
func (n *NetworkEngine) Records(count int) []*model.NetworkRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	if count <= 0 || count > n.size {
		count = n.size
	}
	out := make([]*model.NetworkRecord, 0, count)
	start := (n.head - count + len(n.ring)) % len(n.ring)
	for i := 0; i < count; i++ {
		out = append(out, n.ring[(start+i)%len(n.ring)])
	}
	return out
}

// affectedIDs attributes a record to its drone when the producer could
// identify one; scans from unknown hosts stay fleet-level.
func affectedIDs(rec *model.NetworkRecord) []string {
	if rec.DroneID == "" {
		return nil
	}
	return []string{rec.DroneID}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
