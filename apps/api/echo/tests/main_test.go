package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	. "github.com/trezcool/ujumbe/apps/api/echo"
	"github.com/trezcool/ujumbe/core"
	"github.com/trezcool/ujumbe/core/broadcast"
	"github.com/trezcool/ujumbe/core/directory"
	"github.com/trezcool/ujumbe/core/messaging"
	"github.com/trezcool/ujumbe/core/notify"
	"github.com/trezcool/ujumbe/core/schedule"
	emailsvc "github.com/trezcool/ujumbe/services/email"
	"github.com/trezcool/ujumbe/services/realtime"
	rostersvc "github.com/trezcool/ujumbe/services/roster"
	inmemdb "github.com/trezcool/ujumbe/storage/database/inmem"
)

var (
	conf *core.Config
	app  Server
	hub  *realtime.Hub
	dir  *rostersvc.Service

	msgSvc   *messaging.Service
	bcastSvc *broadcast.Service
	schedSvc *schedule.Service
	notifSvc *notify.Service

	student  = directory.User{ID: "s1", Name: "Imani Banza", Role: directory.RoleStudent, Email: "imani@school.test", ClassName: "CS101", Session: "morning"}
	student2 = directory.User{ID: "s2", Name: "Amani Kalume", Role: directory.RoleStudent, Email: "amani@school.test", ClassName: "CS101", Session: "morning"}
	teacher  = directory.User{ID: "t1", Name: "Grace Mwamba", Role: directory.RoleTeacher, Email: "grace@school.test", Department: "Computer Science"}
	office   = directory.User{ID: "o1", Name: "Front Office", Role: directory.RoleOffice, Email: "office@school.test", Department: "Administration"}

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
)

func TestMain(m *testing.M) {
	conf = core.NewConfig()
	conf.Debug = false
	conf.TestMode = true

	// the roster is owned by the school records system; tests mirror a tiny one
	dir = rostersvc.NewService(student, student2, teacher, office)

	hub = realtime.NewHub(conf, core.NopLogger)
	go hub.Run()

	resetApp()

	code := m.Run()

	hub.Stop()
	os.Exit(code)
}

// resetApp rebuilds the services on a fresh store and rewires the server;
// tests call it to start from a clean slate.
func resetApp() {
	logger := core.NopLogger
	db := inmemdb.Open()
	mailSvc := emailsvc.NewConsoleServiceMock(conf)

	msgSvc = messaging.NewService(
		conf, logger,
		inmemdb.NewConversationRepository(db),
		inmemdb.NewMessageRepository(db),
		dir, hub,
	)
	bcastSvc = broadcast.NewService(conf, logger, inmemdb.NewBroadcastRepository(db), msgSvc, dir)
	schedSvc = schedule.NewService(conf, logger, inmemdb.NewScheduledRepository(db), msgSvc, dir)
	notifSvc = notify.NewService(conf, logger, inmemdb.NewNotificationRepository(db), msgSvc, dir, mailSvc)

	msgSvc.SetBroadcastReadRecorder(bcastSvc)
	bcastSvc.SetCompletionNotifier(notifSvc)
	schedSvc.SetFailureNotifier(notifSvc)

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	directory.InitValidators(validate, translator)
	messaging.InitValidators(validate, translator)
	schedule.InitValidators(validate, translator)
	notify.InitValidators(validate, translator)

	app = NewServer(
		ServerDeps{
			Conf:           conf,
			Logger:         logger,
			Dir:            dir,
			MsgSvc:         msgSvc,
			BcastSvc:       bcastSvc,
			SchedSvc:       schedSvc,
			NotifSvc:       notifSvc,
			Hub:            hub,
			Validate:       validate,
			Translator:     translator,
			DisableReqLogs: true,
		},
	)
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
	extra    interface{}
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func getToken(t *testing.T, usr directory.User) string {
	claims := GetUserClaims(usr)
	token, err := GenerateToken(claims)
	if err != nil {
		t.Fatalf("getToken(): %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj(): %v", err)
	}
	return data
}

func decodeObj(t *testing.T, rec *httptest.ResponseRecorder, obj interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), obj); err != nil {
		t.Fatalf("decodeObj(): %v; body %s", err, rec.Body.String())
	}
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	if reflect.DeepEqual(j1, j2) {
		return true, nil
	}
	return false, nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func checkCode(t *testing.T, want int, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("failed! code = %v; wantCode %v; body %s", rec.Code, want, rec.Body.String())
	}
}
