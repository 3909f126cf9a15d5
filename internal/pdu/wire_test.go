package pdu

import (
	"bytes"
	"testing"
)

func TestHeaderCanonicalByteOrder(t *testing.T) {
	h := Header{
		Magic:     DirHostToPsp.startMagic(),
		CbPayload: 0x11223344,
		Counter:   7,
		Rrn:       RrnReqSmnRead,
		CcdID:     2,
		TsMillies: 1234,
		ReqRC:     0,
	}
	b := EncodeHeader(h)
	if len(b) != HdrSize {
		t.Fatalf("header length %d", len(b))
	}
	// Little-endian start magic in the first four bytes.
	if !bytes.Equal(b[0:4], []byte{0x5E, 0xBA, 0xDE, 0xC0}) {
		t.Fatalf("magic bytes %x", b[0:4])
	}
	got, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, h)
	}
}

func TestRrnRanges(t *testing.T) {
	for id := RrnReqConnect; id <= rrnReqLast; id++ {
		if !id.IsRequest() || id.IsResponse() || id.IsNotification() {
			t.Fatalf("request id %v misclassified", id)
		}
		resp := id.Response()
		if !resp.IsResponse() || resp.IsRequest() || resp.IsNotification() {
			t.Fatalf("response id %v misclassified", resp)
		}
	}
	for _, id := range []RrnID{RrnNotBeacon, RrnNotLogMsg, RrnNotOutBufWrite, RrnNotIrqChange, RrnNotExecFinished} {
		if !id.IsNotification() || id.IsRequest() || id.IsResponse() {
			t.Fatalf("notification id %v misclassified", id)
		}
	}
	if RrnID(0x0300).IsNotification() || RrnID(0).IsRequest() {
		t.Fatalf("out-of-range ids classified as defined")
	}
}

func TestChecksumCompletesToZero(t *testing.T) {
	data := []byte{1, 2, 3, 250, 251, 252}
	sum := ByteSum(0, data)
	if sum+ChecksumFor(sum) != 0 {
		t.Fatalf("checksum does not complete byte sum to zero")
	}
}

func TestOutBufWriteNotRoundTrip(t *testing.T) {
	payload := EncodeOutBufWriteNot(3, []byte("tty bytes"))
	n, err := DecodeOutBufWriteNot(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.IdOutBuf != 3 || string(n.Data) != "tty bytes" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if _, err := DecodeOutBufWriteNot([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short payload accepted")
	}
}

func TestConnectRespValidatesLength(t *testing.T) {
	resp := ConnectResp{
		CbPduMax:       4096,
		PspAddrScratch: 0x20000,
		CbScratch:      0x10000,
		CSysSockets:    2,
		CCcdsPerSocket: 4,
	}
	got, err := DecodeConnectResp(EncodeConnectResp(resp))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != resp {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if _, err := DecodeConnectResp(make([]byte, 16)); err == nil {
		t.Fatalf("short connect response accepted")
	}
}
