package parser

import "testing"

func TestParseFreshAccessLine(t *testing.T) {
	line := `108.212.110.142 - - [03/Aug/2015:12:53:06 -0700] "GET /pix/t/American%20Eros%20by%20Mark%20Henderson HTTP/1.1" 200 46 "http://example.com/" "Mozilla/5.0 (compatible)"`
	chunks, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chunks) != 10 {
		t.Fatalf("got %d chunks, want 10: %#v", len(chunks), chunks)
	}
	if chunks[0] != "108.212.110.142" {
		t.Fatalf("remote_addr: got %q", chunks[0])
	}
	if chunks[6] != "200" || chunks[7] != "46" {
		t.Fatalf("status/body_bytes_sent: got %q, %q", chunks[6], chunks[7])
	}
}

func TestParseBlankRequestAccessLine(t *testing.T) {
	line := `169.229.3.94 - - [05/Jun/2015:23:16:10 -0700] "_" 400 181 "-" "-"`
	chunks, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chunks) != 10 {
		t.Fatalf("got %d chunks, want 10: %#v", len(chunks), chunks)
	}
	if chunks[5] != `"_"` {
		t.Fatalf("request: got %q, want %q", chunks[5], `"_"`)
	}
}

func TestParseCollapsesQuotedSingleSpace(t *testing.T) {
	line := `169.229.3.94 - - [05/Jun/2015:23:16:10 -0700] " " 400 181 "-" "-"`
	chunks, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if chunks[5] != `"_"` {
		t.Fatalf("request: got %q, want %q", chunks[5], `"_"`)
	}
}

func TestParseErrorLine(t *testing.T) {
	line := `2015/08/03 17:48:28 [error] 1199#0: *2502 open() "/var/www/wp-login.php" failed (2: No such file or directory), client: 58.8.154.9`
	chunks, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if chunks[0] != "2015/08/03" || chunks[1] != "17:48:28" || chunks[2] != "[error]" {
		t.Fatalf("unexpected prefix chunks: %#v", chunks[:3])
	}
}

func TestParseUnbalancedQuoteFails(t *testing.T) {
	line := `1.2.3.4 - - [03/Aug/2015:12:53:06 -0700] "GET /x HTTP/1.1 200 46 - -`
	if _, err := Parse(line); err == nil {
		t.Fatalf("expected BadQuoting for an unbalanced quote")
	}
}

func TestHideStrayHTTPQuotePreservesSpacePrecededToken(t *testing.T) {
	line := `1.2.3.4 - - [03/Aug/2015:12:53:06 -0700] "GET /x HTTP/1.0" 200 46 "-" "-"`
	chunks, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(chunks) != 10 {
		t.Fatalf("got %d chunks, want 10: %#v", len(chunks), chunks)
	}
}
