package registration

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"

	"github.com/google/uuid"

	"github.com/arzzra/sipreg/pkg/account"
)

// SendMessage отправляет MESSAGE вне диалога. Возвращает идентификатор
// сообщения; итог приходит в Signals.MessageStatusChanged.
// Успех - ответ 200 или 202.
func (s *Session) SendMessage(to string, payloads []Payload, id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	if to == "" || len(payloads) == 0 {
		s.log.Warn("сообщение без получателя или тела не отправлено", "message_id", id)
		s.loop.Post(func() { s.deps.Signals.MessageStatusChanged(s.id, to, id, false) })
		return id
	}
	s.loop.Post(func() { s.sendMessage(to, payloads, id) })
	return id
}

func (s *Session) sendMessage(to string, payloads []Payload, id string) {
	log := s.log.With("message_id", id, "to", to)
	if s.handle == nil {
		log.Warn("нет транспорта для отправки сообщения")
		s.deps.Signals.MessageStatusChanged(s.id, to, id, false)
		return
	}

	contentType, body, err := encodePayloads(payloads)
	if err != nil {
		log.Error("не удалось сформировать тело сообщения", "error", err)
		s.deps.Signals.MessageStatusChanged(s.id, to, id, false)
		return
	}

	cfg := s.acc.Config()
	_, via, _, _ := s.binding.snapshot()
	toURI := cfg.ToURI(to)
	req := &Request{
		ID:           id,
		Method:       "MESSAGE",
		Target:       account.StripBrackets(toURI),
		From:         cfg.FromURI(),
		To:           toURI,
		CallID:       uuid.NewString(),
		CSeq:         1,
		Via:          via,
		Transport:    cfg.Transport,
		UserAgent:    cfg.UserAgent,
		ServiceRoute: cfg.ServiceRoute,
		ContentType:  contentType,
		Body:         body,
	}

	s.retrier().Go(s.ctx, req, func(r AuthResult) {
		ok := r.Err == nil && r.Response != nil &&
			(r.Response.StatusCode == 200 || r.Response.StatusCode == 202)
		s.loop.Post(func() {
			if !ok {
				log.Warn("сообщение не доставлено", "error", r.Err)
			}
			s.deps.Signals.MessageStatusChanged(s.id, to, id, ok)
		})
	})
}

// encodePayloads одно тело отправляется как есть, несколько -
// multipart/alternative.
func encodePayloads(payloads []Payload) (string, []byte, error) {
	if len(payloads) == 1 {
		return payloads[0].ContentType, []byte(payloads[0].Body), nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range payloads {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", p.ContentType)
		part, err := w.CreatePart(header)
		if err != nil {
			return "", nil, err
		}
		if _, err := part.Write([]byte(p.Body)); err != nil {
			return "", nil, err
		}
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("multipart/alternative;boundary=%s", w.Boundary()), buf.Bytes(), nil
}
