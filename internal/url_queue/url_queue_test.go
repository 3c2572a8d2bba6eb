package urlqueue

import "testing"

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"http://download.windowsupdate.com/c/msdownload/update/driver/drvs/2016/05/20799898_abc.cab": "20799898_abc.cab",
		"https://dl.example/a/b/file%20name.cab?x=1#frag":                                          "file name.cab",
		"http://dl.example/dir/":                                                                    "",
		"http://dl.example":                                                                         "",
		"http://dl.example/a/..":                                                                    "",
		"http://dl.example/a/%2e%2e":                                                                "",
		"relative/path/x.inf":                                                                       "x.inf",
	}
	for in, want := range tests {
		if got := FileName(in); got != want {
			t.Errorf("FileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestURLQueueDedupesByName(t *testing.T) {
	q := NewURLQueue()

	if _, _, ok := q.Add("http://a.example/x/one.cab"); !ok {
		t.Fatal("first add should be queued")
	}
	if _, _, ok := q.Add("http://a.example/x/two.cab#part"); !ok {
		t.Fatal("second add should be queued")
	}
	item, owner, ok := q.Add("http://mirror.example/y/one.cab")
	if ok || owner != "http://a.example/x/one.cab" || item.Name != "one.cab" {
		t.Errorf("expected name conflict with first url, got ok=%v owner=%q item=%+v", ok, owner, item)
	}
	if _, _, ok := q.Add("http://a.example/dir/"); ok {
		t.Error("url without a file name should not be queued")
	}
	if q.Size() != 2 {
		t.Fatalf("expected 2 queued, got %d", q.Size())
	}

	first, ok := q.Get()
	if !ok || first.Name != "one.cab" {
		t.Errorf("unexpected first item %+v", first)
	}
	second, ok := q.Get()
	if !ok || second.Name != "two.cab" || second.URL != "http://a.example/x/two.cab" ||
		second.Source != "http://a.example/x/two.cab#part" {
		t.Errorf("unexpected second item %+v", second)
	}
	if _, ok := q.Get(); ok {
		t.Error("queue should be empty")
	}
}
