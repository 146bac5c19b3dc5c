package variant

import "testing"

func TestDeriveKey(t *testing.T) {
	cases := []struct {
		imageID string
		w, h    int
		format  string
		want    string
	}{
		{"pic.png", 200, 100, "webp", "pic___200x100.webp"},
		{"a.jpg", 50, 50, "webp", "a___50x50.webp"},
		{"archive.tar.png", 10, 10, "png", "archive.tar___10x10.png"},
	}
	for _, c := range cases {
		got := DeriveKey(c.imageID, c.w, c.h, c.format)
		if got != c.want {
			t.Errorf("DeriveKey(%q,%d,%d,%q) = %q, want %q", c.imageID, c.w, c.h, c.format, got, c.want)
		}
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("pic.png", 200, 100, "webp")
	b := DeriveKey("pic.png", 200, 100, "webp")
	if a != b {
		t.Fatalf("DeriveKey is not pure: %q != %q", a, b)
	}
}

func TestValidImageID(t *testing.T) {
	valid := []string{"pic.png", "a_b-c.jpg", "archive.tar.png"}
	for _, v := range valid {
		if !ValidImageID(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}

	invalid := []string{"noext", "../etc/passwd.png", "with/slash.png", "with space.png", ""}
	for _, v := range invalid {
		if ValidImageID(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}

func TestNormalizeFormat(t *testing.T) {
	if f, ok := NormalizeFormat("jpg"); !ok || f != "jpeg" {
		t.Errorf("jpg alias failed: got %q, %v", f, ok)
	}
	if _, ok := NormalizeFormat("bmp"); ok {
		t.Errorf("bmp should not be allowed")
	}
	for _, f := range []string{"png", "jpeg", "webp"} {
		if got, ok := NormalizeFormat(f); !ok || got != f {
			t.Errorf("NormalizeFormat(%q) = %q, %v", f, got, ok)
		}
	}
}

func TestValidDimension(t *testing.T) {
	if !ValidDimension(1) || !ValidDimension(5000) {
		t.Error("boundary values should be valid")
	}
	if ValidDimension(0) || ValidDimension(5001) || ValidDimension(-1) {
		t.Error("out-of-range values should be invalid")
	}
}

func TestCanRequeue(t *testing.T) {
	r := &Record{RequeueCount: 0}
	if !r.CanRequeue() {
		t.Error("expected requeue allowed at 0")
	}
	r.RequeueCount = MaxRequeues
	if r.CanRequeue() {
		t.Error("expected requeue denied at MaxRequeues")
	}
}
