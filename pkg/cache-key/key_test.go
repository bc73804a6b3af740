package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func origin(t *testing.T) *url.URL {
	u, err := url.Parse("http://dev.localhost/app/")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestRequestFromKey(t *testing.T) {
	keygen := NewCacheKeyer(origin(t))
	r, _ := http.NewRequest("GET", "http://dev.localhost/page", nil)
	key := keygen.GetKey(r)
	req, err := keygen.GetRequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "http://dev.localhost/page" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestRequestFromKeyOnlyGet(t *testing.T) {
	keygen := NewCacheKeyer(origin(t))
	r, _ := http.NewRequest("POST", "http://dev.localhost/page", nil)
	if _, err := keygen.GetRequestFromKey(keygen.GetKey(r)); err != ErrorMethodNotSupported {
		t.Fatalf("Error is %v", err)
	}
}

func TestResolveManifestEntries(t *testing.T) {
	keygen := NewCacheKeyer(origin(t))
	cases := map[string]string{
		"./":                        "http://dev.localhost/app/",
		"index.html":                "http://dev.localhost/app/index.html",
		"/icon.svg":                 "http://dev.localhost/icon.svg",
		"https://cdn.skypack.dev/x": "https://cdn.skypack.dev/x",
		"index.html#top":            "http://dev.localhost/app/index.html",
	}
	for ref, want := range cases {
		u, err := keygen.Resolve(ref)
		if err != nil {
			t.Fatalf("%s: %s", ref, err)
		}
		if u.String() != want {
			t.Fatalf("Resolved %s to %s, expected %s", ref, u, want)
		}
	}
}

func TestServerRequestKeyMatchesManifestKey(t *testing.T) {
	keygen := NewCacheKeyer(origin(t))
	manifestURL, _ := keygen.Resolve("index.html")
	manifestReq, _ := http.NewRequest("GET", manifestURL.String(), nil)

	// a request as received by a proxy listening on another port: path only
	serverReq, _ := http.NewRequest("GET", "/app/index.html", nil)
	serverReq.Host = "localhost:8080"

	if a, b := keygen.GetKey(manifestReq), keygen.GetKey(serverReq); a != b {
		t.Fatalf("Keys differ: %s != %s", a, b)
	}
}

func TestSameOrigin(t *testing.T) {
	keygen := NewCacheKeyer(origin(t))
	cases := map[string]bool{
		"http://dev.localhost/other":    true,
		"http://dev.localhost:80/other": true,
		"https://dev.localhost/other":   false,
		"http://dev.localhost:8080/":    false,
		"https://fonts.googleapis.com/": false,
	}
	for raw, want := range cases {
		u, _ := url.Parse(raw)
		if got := keygen.SameOrigin(u); got != want {
			t.Fatalf("SameOrigin(%s) is %v", raw, got)
		}
	}
}
