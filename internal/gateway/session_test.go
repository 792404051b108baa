package gateway

import (
	"bytes"
	"context"
	"testing"

	"github.com/danmuck/obdgate/internal/alerts"
	"github.com/danmuck/obdgate/internal/protocol/command"
	"github.com/danmuck/obdgate/internal/protocol/frame"
	"github.com/danmuck/obdgate/internal/store"
	"github.com/danmuck/obdgate/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var ignoreReceivedAt = cmpopts.IgnoreFields(command.Envelope{}, "ReceivedAt")

func TestProcessChunkedFeedMatchesWholeFeed(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	raw := append(gpsFrame(t, deviceA, 1, 130), gpsFrame(t, deviceA, 2, 130)...)

	wholeRec := newRecorder()
	whole, wholeOut := offlineSession(t, DefaultServiceConfig(), Deps{Storage: wholeRec})
	whole.process(ctx, raw)

	chunkRec := newRecorder()
	chunked, chunkOut := offlineSession(t, DefaultServiceConfig(), Deps{Storage: chunkRec})
	for i := range raw {
		chunked.process(ctx, raw[i:i+1])
	}

	want := wholeRec.records(deviceA)
	if len(want) != 2 {
		t.Fatalf("whole feed records=%d want=2", len(want))
	}
	if diff := cmp.Diff(want, chunkRec.records(deviceA), ignoreReceivedAt); diff != "" {
		t.Fatalf("chunked feed mismatch (-whole +chunked):\n%s", diff)
	}
	if len(chunked.buf) != 0 || len(whole.buf) != 0 {
		t.Fatalf("buffers not drained whole=%d chunked=%d", len(whole.buf), len(chunked.buf))
	}
	ack := frame.StaticAck()
	wantAcks := append(append([]byte(nil), ack...), ack...)
	if !bytes.Equal(wholeOut.written(), wantAcks) || !bytes.Equal(chunkOut.written(), wantAcks) {
		t.Fatalf("acks whole=% x chunked=% x", wholeOut.written(), chunkOut.written())
	}
}

func TestProcessNoiseResetsBuffer(t *testing.T) {
	testlog.Start(t)
	c, _ := offlineSession(t, DefaultServiceConfig(), Deps{})
	noise := bytes.Repeat([]byte{0x55}, 9000)
	reset := false
	for off := 0; off < len(noise); off += 1000 {
		end := min(off+1000, len(noise))
		c.process(context.Background(), noise[off:end])
		if len(c.buf) > frameBufferCap(c) {
			t.Fatalf("buffer grew to %d", len(c.buf))
		}
		if end > frameBufferCap(c) && len(c.buf) == 0 {
			reset = true
		}
	}
	if !reset {
		t.Fatalf("buffer was never reset")
	}
}

func frameBufferCap(c *deviceConn) int { return c.svc.cfg.Session.BufferLimit }

func TestProcessSkipsNoiseBeforePartialFrame(t *testing.T) {
	c, _ := offlineSession(t, DefaultServiceConfig(), Deps{})
	raw := gpsFrame(t, deviceA, 1, 130)
	c.process(context.Background(), append([]byte{0x01, 0x02, 0x03}, raw[:20]...))
	if !bytes.Equal(c.buf, raw[:20]) {
		t.Fatalf("buffer got=% x", c.buf)
	}
}

func TestUnknownCommandYieldsNoTelemetryAndNoAck(t *testing.T) {
	rec := newRecorder()
	c, out := offlineSession(t, DefaultServiceConfig(), Deps{Storage: rec})
	unknown, err := frame.Encode(deviceA, 0xFFFF, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.process(context.Background(), unknown)
	if n := len(rec.records(deviceA)); n != 0 {
		t.Fatalf("unknown command produced %d records", n)
	}
	if len(out.written()) != 0 {
		t.Fatalf("unknown command acknowledged: % x", out.written())
	}
	if c.state != StateIdentified {
		t.Fatalf("state got=%q, a decoded frame still identifies", c.state)
	}

	c.process(context.Background(), gpsFrame(t, deviceA, 9, 130))
	if recs := rec.records(deviceA); len(recs) != 1 || recs[0].(*command.GPSEngineReport).TripID != 9 {
		t.Fatalf("records after unknown command: %+v", recs)
	}
}

func TestShortPayloadIsAcknowledgedWithoutRecord(t *testing.T) {
	rec := newRecorder()
	c, out := offlineSession(t, DefaultServiceConfig(), Deps{Storage: rec})
	short, err := frame.Encode(deviceA, command.CodeGPSEngine, make([]byte, 10))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.process(context.Background(), short)
	if n := len(rec.records(deviceA)); n != 0 {
		t.Fatalf("short payload produced %d records", n)
	}
	if !bytes.Equal(out.written(), frame.StaticAck()) {
		t.Fatalf("ack got=% x", out.written())
	}
}

func TestChecksumMismatchIsPersistedButNotTrusted(t *testing.T) {
	rec := newRecorder()
	rec.orgs[deviceA] = "org-1"
	c, out := offlineSession(t, DefaultServiceConfig(), Deps{Storage: rec, Publisher: rec})

	raw := gpsFrame(t, deviceA, 4, 160)
	raw[len(raw)-2] ^= 0xFF
	c.process(context.Background(), raw)

	recs := rec.records(deviceA)
	if len(recs) != 1 || recs[0].Meta().ChecksumValid {
		t.Fatalf("records got=%+v", recs)
	}
	if len(rec.alerts) != 0 || len(rec.publishedAlerts) != 0 || len(rec.published) != 0 {
		t.Fatalf("untrusted record alerted or published: alerts=%d published=%d", len(rec.alerts), len(rec.published))
	}
	if len(rec.statuses) != 0 || c.state != StateAccepted {
		t.Fatalf("untrusted frame identified the session: %+v", rec.statuses)
	}
	if !bytes.Equal(out.written(), frame.StaticAck()) {
		t.Fatalf("ack got=% x", out.written())
	}
}

func TestTrustInvalidChecksumAlertsAndPublishes(t *testing.T) {
	rec := newRecorder()
	rec.orgs[deviceA] = "org-1"
	cfg := DefaultServiceConfig()
	cfg.TrustInvalidChecksum = true
	c, _ := offlineSession(t, cfg, Deps{Storage: rec, Publisher: rec})

	raw := gpsFrame(t, deviceA, 4, 160)
	raw[len(raw)-2] ^= 0xFF
	c.process(context.Background(), raw)

	if len(rec.alerts) != 1 || rec.alerts[0].Type != alerts.TypeEngineOverheat {
		t.Fatalf("alerts got=%+v", rec.alerts)
	}
	if len(rec.published[deviceA]) != 1 || c.state != StateIdentified {
		t.Fatalf("published=%d state=%q", len(rec.published[deviceA]), c.state)
	}
}

func TestRecordFlowPersistsAlertsAndPublishesWithOrganization(t *testing.T) {
	testlog.Start(t)
	rec := newRecorder()
	rec.orgs[deviceA] = "org-7"
	c, _ := offlineSession(t, DefaultServiceConfig(), Deps{Storage: rec, Publisher: rec})

	c.process(context.Background(), gpsFrame(t, deviceA, 5, 160))

	online := rec.statusFor(deviceA)
	if len(online) != 1 || online[0].Status != store.StatusOnline || online[0].Meta["connection_id"] != "pipe" {
		t.Fatalf("status calls got=%+v", online)
	}
	if len(rec.alerts) != 1 {
		t.Fatalf("alerts got=%+v", rec.alerts)
	}
	a := rec.alerts[0]
	if a.Type != alerts.TypeEngineOverheat || a.Value != 120 || a.OrganizationID != "org-7" || a.TripID != 5 {
		t.Fatalf("alert got=%+v", a)
	}
	if len(rec.publishedAlerts) != 1 || rec.publishedAlerts[0].ID != a.ID {
		t.Fatalf("published alerts got=%+v", rec.publishedAlerts)
	}
	if len(rec.published[deviceA]) != 1 || rec.publishedOrgs[0] != "org-7" {
		t.Fatalf("published records=%d orgs=%v", len(rec.published[deviceA]), rec.publishedOrgs)
	}
}
