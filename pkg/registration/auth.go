package registration

import (
	"context"
	"log/slog"

	"github.com/arzzra/sipreg/pkg/account"
	"github.com/arzzra/sipreg/pkg/logging"
)

// AuthResult итог аутентифицированного запроса
type AuthResult struct {
	Target    string
	RequestID string
	Success   bool
	Response  *Response
	Err       error
	// CSeq - номер последнего отправленного запроса
	CSeq uint32
	// Challenged - сервер запросил аутентификацию
	Challenged bool
}

// DigestAuthRetrier отправляет один запрос и повторяет его ровно один раз
// с авторизацией, если сервер ответил 401/407.
type DigestAuthRetrier struct {
	Transport     RegistrationTransport
	Handle        TransportHandle
	Authenticator DigestAuthenticator
	Credentials   []account.Credential
	Metrics       *Metrics
	Logger        *slog.Logger
}

// Do выполняет запрос. Блокирует до итогового результата.
func (r *DigestAuthRetrier) Do(ctx context.Context, req *Request) AuthResult {
	log := logging.OrNoop(r.Logger).With("method", req.Method, "request_id", req.ID)
	result := AuthResult{Target: req.To, RequestID: req.ID, CSeq: req.CSeq}

	res, err := r.Transport.Send(ctx, r.Handle, req)
	if err != nil || !isChallenge(res) {
		return result.finish(res, err)
	}
	result.Challenged = true

	if res.Challenge == nil {
		r.Metrics.AuthChallenge("rejected")
		log.Warn("ответ 401/407 без challenge", "status", res.StatusCode)
		return result.finish(res, nil)
	}

	cred, ok := selectCredential(r.Credentials, res.Challenge.Realm)
	if !ok || r.Authenticator == nil {
		r.Metrics.AuthChallenge("no_credentials")
		log.Warn("нет учетных данных для challenge", "realm", res.Challenge.Realm)
		return result.finish(res, errNoCredentials(res.Challenge.Realm))
	}

	authz, err := r.Authenticator.Authorize(cred, res.Challenge, req.Method, req.Target)
	if err != nil {
		r.Metrics.AuthChallenge("rejected")
		log.Error("не удалось вычислить авторизацию", "realm", res.Challenge.Realm, "error", err)
		return result.finish(res, NewError("AUTH_COMPUTE_FAILED", CategoryAuthRejected, res.StatusCode,
			"не удалось вычислить авторизацию").WithCause(err))
	}

	retry := req.Clone()
	retry.CSeq++
	retry.Authorization = &authz
	result.CSeq = retry.CSeq

	log.Debug("повтор запроса с авторизацией", "realm", res.Challenge.Realm, "cseq", retry.CSeq)
	res, err = r.Transport.Send(ctx, r.Handle, retry)
	if err == nil && isChallenge(res) {
		r.Metrics.AuthChallenge("rejected")
		log.Warn("повторный challenge, аутентификация отклонена", "status", res.StatusCode)
	} else if err == nil {
		r.Metrics.AuthChallenge("answered")
	}
	return result.finish(res, err)
}

// Go выполняет Do в отдельной горутине и вызывает done ровно один раз
func (r *DigestAuthRetrier) Go(ctx context.Context, req *Request, done func(AuthResult)) {
	go func() {
		done(r.Do(ctx, req))
	}()
}

func (a AuthResult) finish(res *Response, err error) AuthResult {
	a.Response = res
	a.Err = err
	a.Success = err == nil && res != nil && res.StatusCode >= 200 && res.StatusCode < 300
	return a
}

func isChallenge(res *Response) bool {
	return res != nil && (res.StatusCode == 401 || res.StatusCode == 407)
}

// selectCredential выбирает учетные данные по realm; точное совпадение
// предпочтительнее "*".
func selectCredential(creds []account.Credential, realm string) (account.Credential, bool) {
	var wildcard *account.Credential
	for i := range creds {
		if creds[i].Realm == realm {
			return creds[i], true
		}
		if wildcard == nil && creds[i].MatchesRealm(realm) {
			wildcard = &creds[i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return account.Credential{}, false
}
