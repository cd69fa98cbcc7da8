package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserpilot/internal/vault"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

func TestObserve(t *testing.T) {
	html := `<html><head><title> Weather   Tokyo </title><script>var x = "captcha";</script></head>
<body>
  <a data-bp-id="1" href="/forecast">10-day   forecast</a>
  <input data-bp-id="2" type="search" placeholder="Search city">
  <button data-bp-id="x">ignored</button>
  <p>Tokyo, Japan 21°C Partly cloudy</p>
  <style>.a{}</style>
</body></html>`

	obs, err := Observe(html, "https://weather.example.com/tokyo")
	require.NoError(t, err)

	assert.Equal(t, "Weather Tokyo", obs.Title)
	require.Len(t, obs.Elements, 2)
	assert.Equal(t, Element{ID: 1, Tag: "a", Label: "10-day forecast", Href: "/forecast"}, obs.Elements[0])
	assert.Equal(t, Element{ID: 2, Tag: "input", Type: "search", Label: "Search city"}, obs.Elements[1])
	assert.Contains(t, obs.Text, "Tokyo, Japan 21°C Partly cloudy")
	assert.False(t, obs.Captcha, "script content is not page text")
	assert.True(t, obs.Has(2))
	assert.False(t, obs.Has(3))

	rendered := obs.Render()
	assert.Contains(t, rendered, `[2] <input type=search> "Search city"`)
	assert.Contains(t, rendered, "URL: https://weather.example.com/tokyo")
}

func TestObserve_CaptchaText(t *testing.T) {
	obs, err := Observe(`<html><body><div>Please complete the CAPTCHA to continue</div></body></html>`, "u")
	require.NoError(t, err)
	assert.True(t, obs.Captcha)
}

func TestObserve_Truncates(t *testing.T) {
	long := make([]byte, maxPageText*2)
	for i := range long {
		long[i] = 'a'
	}
	obs, err := Observe("<html><body>"+string(long)+"</body></html>", "u")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(obs.Text), maxPageText+len("…"))
}

func TestObserveMasked_SecretAcrossTruncation(t *testing.T) {
	creds, err := vault.New([]models.SensitiveItem{{Key: "token", Value: "s3cr3t-token-value"}})
	require.NoError(t, err)

	// The secret straddles the text limit, so masking must happen first.
	text := strings.Repeat("a", maxPageText-5) + " s3cr3t-token-value"
	html := `<html><head><title>s3cr3t-token-value</title></head><body>` + text +
		`<input data-bp-id="1" value="s3cr3t-token-value"></body></html>`

	obs, err := observeMasked(html, "https://example.com/?t=s3cr3t-token-value", creds)
	require.NoError(t, err)

	rendered := obs.Render()
	assert.NotContains(t, rendered, "s3cr3t")
	assert.Contains(t, obs.URL, "t=<secret>token</secret>")
	assert.Equal(t, "<secret>token</secret>", obs.Title)
	assert.Equal(t, "<secret>token</secret>", obs.Elements[0].Label)
}
