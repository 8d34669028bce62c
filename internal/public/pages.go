// pages.go — HTML-страницы трекера и отписки.
// Разметка хранится в html/template и отдаётся как templ.Component.
package public

import (
	"embed"
	"html/template"
	"time"

	"github.com/a-h/templ"

	"github.com/bigkaa/dealerdesk/internal/service"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.New("pages").Funcs(template.FuncMap{
	"date": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("Jan 2, 2006")
	},
}).ParseFS(templateFS, "templates/*.html"))

// contactData — данные страниц без регистрации.
type contactData struct {
	DealerPhone string
}

// TrackerPage — страница статуса регистрации.
func TrackerPage(v *service.TrackerView) templ.Component {
	return templ.FromGoHTML(pages.Lookup("tracker.html"), v)
}

// NotFoundPage — одна страница для любой недействительной ссылки.
func NotFoundPage(dealerPhone string) templ.Component {
	return templ.FromGoHTML(pages.Lookup("notfound.html"), contactData{DealerPhone: dealerPhone})
}

// UnsubscribedPage — подтверждение отписки (одинаковое для повторной).
func UnsubscribedPage(dealerPhone string) templ.Component {
	return templ.FromGoHTML(pages.Lookup("unsubscribed.html"), contactData{DealerPhone: dealerPhone})
}

// UnavailablePage — хранилище недоступно.
func UnavailablePage() templ.Component {
	return templ.FromGoHTML(pages.Lookup("unavailable.html"), nil)
}
