package xt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanonicalPayloadOrdersHeadersAndSkipsEmptyParts(t *testing.T) {
	headers := map[string]string{
		headerTimestamp:  "1700000000000",
		headerAppKey:     "key",
		headerAlgorithm:  "HmacSHA256",
		headerRecvWindow: "60000",
	}
	got := canonicalPayload(headers, "post", "/v4/order", "", `{"symbol":"btc_usdt"}`)
	require.Equal(t,
		"validate-algorithms=HmacSHA256&validate-appkey=key&validate-recvwindow=60000&validate-timestamp=1700000000000"+
			`#POST#/v4/order#{"symbol":"btc_usdt"}`,
		got)

	got = canonicalPayload(headers, "GET", "/v4/balances", "", "")
	require.True(t, strings.HasSuffix(got, "#GET#/v4/balances"))
}

func TestCanonicalQuerySortsWithoutEscaping(t *testing.T) {
	q := url.Values{}
	q.Set("symbol", "btc_usdt")
	q.Set("bizType", "SPOT")
	q.Set("listenKey", "a/b=c")
	require.Equal(t, "bizType=SPOT&listenKey=a/b=c&symbol=btc_usdt", canonicalQuery(q))
	require.Empty(t, canonicalQuery(nil))
}

func TestSignerSetsHeadersAndUppercaseSignature(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	signer := NewSigner("key", "secret", time.Minute, func() time.Time { return now })
	q := url.Values{}
	q.Set("listenKey", "T1")

	h := http.Header{}
	signer.Sign(h, http.MethodPut, "/v4/ws-token", q, "")

	require.Equal(t, "HmacSHA256", h.Get(headerAlgorithm))
	require.Equal(t, "key", h.Get(headerAppKey))
	require.Equal(t, "60000", h.Get(headerRecvWindow))
	require.Equal(t, "1700000000000", h.Get(headerTimestamp))

	payload := "validate-algorithms=HmacSHA256&validate-appkey=key&validate-recvwindow=60000&validate-timestamp=1700000000000" +
		"#PUT#/v4/ws-token#listenKey=T1"
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	require.Equal(t, strings.ToUpper(hex.EncodeToString(mac.Sum(nil))), h.Get(headerSignature))
}

func TestSymbolMapping(t *testing.T) {
	require.Equal(t, "btc_usdt", ToVenueSymbol("BTC-USDT"))
	require.Equal(t, "BTC-USDT", FromVenueSymbol("btc_usdt"))
	require.Equal(t, "ETH-BTC", canonicalFromAssets(" eth", "btc "))
	require.Empty(t, canonicalFromAssets("", "usdt"))
}
