package resolver

import (
	"reflect"
	"strings"
	"testing"

	"driver_mirror/internal/models"
)

func TestChunk(t *testing.T) {
	ids := make([]string, 45)
	for i := range ids {
		ids[i] = string(rune('a' + i%26))
	}
	var sizes []int
	for _, c := range Chunk(ids, 20) {
		sizes = append(sizes, len(c))
	}
	if !reflect.DeepEqual(sizes, []int{20, 20, 5}) {
		t.Errorf("unexpected chunk sizes %v", sizes)
	}

	if got := Chunk(nil, 20); len(got) != 0 {
		t.Errorf("expected no chunks, got %v", got)
	}
	if got := Chunk([]string{"a", "b"}, 20); len(got) != 1 || len(got[0]) != 2 {
		t.Errorf("unexpected chunks %v", got)
	}
}

func TestChunkDoesNotAlias(t *testing.T) {
	ids := []string{"a", "b", "c"}
	chunks := Chunk(ids, 2)
	chunks[0] = append(chunks[0], "x")
	if ids[2] != "c" {
		t.Errorf("appending to a chunk overwrote the next id: %v", ids)
	}
}

func TestBuildPayload(t *testing.T) {
	got, err := BuildPayload([]string{"6a2b-01", "ffee-02"})
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"updateID":"6a2b-01"},{"updateID":"ffee-02"}]`
	if got != want {
		t.Errorf("BuildPayload = %s, want %s", got, want)
	}
}

const dialog = `<html><head><script type="text/javascript">
var downloadInformation = new Array();
downloadInformation[0] = new Object();
downloadInformation[0].enTitle ='Intel - Display - 26.20.100.7870';
downloadInformation[0].updateID ='aaaa-0001';
downloadInformation[0].files = new Array();
downloadInformation[0].files[0] = new Object();
downloadInformation[0].files[0].url = 'http://dl.example/c/msdownload/update/driver/drvs/2020/03/one_abc.cab';
downloadInformation[0].files[0].digest = 'n0Q6kD0xZ3Iw+AEBOcc9eP1W5bk=';
downloadInformation[1] = new Object();
downloadInformation[1].updateID ='bbbb-0002';
downloadInformation[1].files = new Array();
downloadInformation[1].files[0] = new Object();
downloadInformation[1].files[0].digest = 'missing-url';
downloadInformation[2] = new Object();
downloadInformation[2].updateID = 'cccc-0003';
downloadInformation[2].files[0].url = 'http://dl.example/first.cab';
downloadInformation[2].files[0].digest = 'first';
downloadInformation[2].files[1].url = 'http://dl.example/second.cab';
downloadInformation[2].files[1].digest = 'second';
</script></head><body></body></html>
`

func TestParseResponse(t *testing.T) {
	got, err := ParseResponse(strings.NewReader(dialog))
	if err != nil {
		t.Fatal(err)
	}
	want := []models.Resolution{
		{GUID: "aaaa-0001", URL: "http://dl.example/c/msdownload/update/driver/drvs/2020/03/one_abc.cab", Digest: "n0Q6kD0xZ3Iw+AEBOcc9eP1W5bk="},
		{GUID: "cccc-0003", URL: "http://dl.example/second.cab", Digest: "second"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseResponse =\n%+v\nwant\n%+v", got, want)
	}
}

func TestParseResponseLowercasesGUID(t *testing.T) {
	body := "downloadInformation[0].updateID ='8F3C1A2B-0000-4D5E-9ABC-00112233AABB';\n" +
		"downloadInformation[0].files[0].url = 'http://dl.example/Upper.cab';\n" +
		"downloadInformation[0].files[0].digest = 'd';\n"
	got, err := ParseResponse(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].GUID != "8f3c1a2b-0000-4d5e-9abc-00112233aabb" {
		t.Fatalf("unexpected resolutions %+v", got)
	}
	if got[0].URL != "http://dl.example/Upper.cab" {
		t.Errorf("url must keep its case, got %q", got[0].URL)
	}
}

func TestParseResponseEmpty(t *testing.T) {
	got, err := ParseResponse(strings.NewReader("<html><body>Sorry</body></html>"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no resolutions, got %+v", got)
	}
}
