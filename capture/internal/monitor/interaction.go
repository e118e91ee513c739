package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hazyhaar/bluebox/capture/event"
	"github.com/hazyhaar/bluebox/capture/internal/proto"
)

// BindingName is the host function the injected page code calls with one
// serialized payload per user action.
const BindingName = "__blueboxInteractionLog"

// Interaction captures user actions via page-side instrumentation: a
// script injected into every document attaches capture-phase listeners
// and reports each event through a protocol binding. Element descriptors
// are derived page-side, before the DOM can change under us.
type Interaction struct {
	cmd    Commands
	emit   EmitFunc
	logger *slog.Logger

	mu     sync.Mutex
	count  int
	byKind map[string]int
	byURL  map[string]int
	raw    int
}

// NewInteraction creates the interaction monitor.
func NewInteraction(cmd Commands, emit EmitFunc, logger *slog.Logger) *Interaction {
	return &Interaction{
		cmd:    cmd,
		emit:   emit,
		logger: logger,
		byKind: map[string]int{},
		byURL:  map[string]int{},
	}
}

func (m *Interaction) Name() string { return "interaction" }

// Setup registers the binding and injects the listener script both into
// future documents and the current one.
func (m *Interaction) Setup(ctx context.Context) error {
	if err := m.cmd.EnableDomain(ctx, "Runtime", nil, true); err != nil {
		return err
	}
	if err := m.cmd.EnableDomain(ctx, "DOM", nil, true); err != nil {
		m.logger.Warn("interaction: DOM unavailable", "error", err)
	}
	if err := m.cmd.EnableDomain(ctx, "Page", nil, true); err != nil {
		return err
	}
	if _, err := m.cmd.Send("Runtime.addBinding", map[string]any{"name": BindingName}); err != nil {
		return err
	}
	if _, err := m.cmd.Send("Page.addScriptToEvaluateOnNewDocument", map[string]any{
		"source": listenerScript,
	}); err != nil {
		return err
	}
	// the current document missed the on-new-document hook
	if _, err := m.cmd.Send("Runtime.evaluate", map[string]any{
		"expression":            listenerScript,
		"includeCommandLineAPI": false,
	}); err != nil {
		return err
	}
	return nil
}

func (m *Interaction) HandleEvent(f *proto.Frame) bool {
	if f.Method != "Runtime.bindingCalled" {
		return false
	}
	var p struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(f.Params, &p); err != nil || p.Name != BindingName {
		return false
	}
	m.onPayload(p.Payload)
	return true
}

func (m *Interaction) ClaimReply(*proto.Frame) bool { return false }

// onPayload parses one page-side report. A malformed payload is still
// emitted, carrying the raw bytes, and counted.
func (m *Interaction) onPayload(payload string) {
	var rec event.Interaction
	if err := json.Unmarshal([]byte(payload), &rec); err != nil || rec.Kind == "" {
		if err != nil {
			m.logger.Debug("interaction: unparseable payload", "error", err, "bytes", len(payload))
		}
		rec = event.Interaction{
			Timestamp: nowUnix(),
			Kind:      "unknown",
			Raw:       json.RawMessage(payload),
		}
		if !json.Valid(rec.Raw) {
			quoted, _ := json.Marshal(payload)
			rec.Raw = quoted
		}
		m.mu.Lock()
		m.raw++
	} else {
		if rec.Timestamp == 0 {
			rec.Timestamp = nowUnix()
		}
		m.mu.Lock()
	}
	m.count++
	m.byKind[rec.Kind]++
	if rec.URL != "" {
		m.byURL[rec.URL]++
	}
	m.mu.Unlock()
	m.emit(event.CategoryInteraction, &rec)
}

func (m *Interaction) Summary() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind := make(map[string]int, len(m.byKind))
	for k, v := range m.byKind {
		byKind[k] = v
	}
	return map[string]any{
		"interactions": m.count,
		"by_kind":      byKind,
		"unparsed":     m.raw,
	}
}

var _ Monitor = (*Interaction)(nil)

// listenerScript is injected into every document. It waits for the
// binding to appear, then reports clicks, input, keys, focus changes,
// form submits and scrolls with an element descriptor resolved at event
// time. The payload shape mirrors event.Interaction.
const listenerScript = `(function() {
  'use strict';
  var bindingName = '` + BindingName + `';

  function waitForBinding(cb, deadline) {
    var start = Date.now();
    (function check() {
      if (typeof window[bindingName] === 'function') { cb(); }
      else if (Date.now() - start < deadline) { setTimeout(check, 50); }
    })();
  }

  function stableSelector(el) {
    if (!el || el.nodeType !== 1) return '';
    var path = [];
    var current = el;
    while (current && current.nodeType === 1 && path.length < 5) {
      var sel = current.tagName.toLowerCase();
      if (current.id) { path.unshift(sel + '#' + current.id); break; }
      var stable = ['name', 'data-testid', 'data-test-id', 'data-cy', 'role', 'placeholder', 'aria-label'];
      var found = false;
      for (var i = 0; i < stable.length; i++) {
        var v = current.getAttribute(stable[i]);
        if (v) { sel += '[' + stable[i] + '="' + v.replace(/"/g, '\\"') + '"]'; found = true; break; }
      }
      if (!found && current.className && typeof current.className === 'string') {
        var classes = current.className.split(/\s+/).filter(function(c) {
          return c && c.indexOf('sc-') !== 0 && c.indexOf('css-') !== 0 && !/^[a-zA-Z0-9]{10,}$/.test(c);
        });
        if (classes.length > 0) sel += '.' + classes.join('.');
      }
      if (!found && !current.id) {
        var idx = 1, sib = current;
        while ((sib = sib.previousElementSibling)) {
          if (sib.tagName === current.tagName) idx++;
        }
        if (idx > 1) sel += ':nth-of-type(' + idx + ')';
      }
      path.unshift(sel);
      current = current.parentElement;
    }
    return path.join(' > ');
  }

  function xpath(el) {
    var parts = [];
    while (el && el.nodeType === 1) {
      var idx = 1, sib = el.previousElementSibling;
      while (sib) {
        if (sib.nodeType === 1 && sib.tagName === el.tagName) idx++;
        sib = sib.previousElementSibling;
      }
      parts.unshift(el.tagName.toLowerCase() + '[' + idx + ']');
      el = el.parentElement;
    }
    return '/' + parts.join('/');
  }

  function describe(el) {
    if (!el || el.nodeType !== 1) return null;
    return {
      tag: (el.tagName || '').toLowerCase(),
      id: el.id || '',
      classes: (typeof el.className === 'string') ? el.className : '',
      text: el.textContent ? el.textContent.trim().substring(0, 200) : '',
      name: el.name || '',
      type: el.type || '',
      href: el.href || '',
      selector: stableSelector(el),
      xpath: xpath(el)
    };
  }

  function report(kind, ev, el, extra) {
    var data = {
      kind: kind,
      timestamp: Date.now() / 1000,
      url: window.location.href,
      element: describe(el)
    };
    if (extra) {
      for (var k in extra) { data[k] = extra[k]; }
    }
    try {
      if (typeof window[bindingName] === 'function') {
        window[bindingName](JSON.stringify(data));
      }
    } catch (e) {}
  }

  waitForBinding(function() {
    ['click', 'dblclick', 'contextmenu', 'mousedown'].forEach(function(kind) {
      document.addEventListener(kind, function(ev) {
        report(kind, ev, ev.target, {mouse_x: ev.clientX || 0, mouse_y: ev.clientY || 0});
      }, true);
    });

    document.addEventListener('input', function(ev) {
      var value = ev.target && ev.target.value !== undefined ? String(ev.target.value).substring(0, 500) : '';
      report('input', ev, ev.target, {value: value});
    }, true);
    document.addEventListener('change', function(ev) {
      var value = ev.target && ev.target.value !== undefined ? String(ev.target.value).substring(0, 500) : '';
      report('change', ev, ev.target, {value: value});
    }, true);

    ['keydown', 'keyup'].forEach(function(kind) {
      document.addEventListener(kind, function(ev) {
        report(kind, ev, ev.target, {key: ev.key || ''});
      }, true);
    });

    ['focus', 'blur'].forEach(function(kind) {
      document.addEventListener(kind, function(ev) {
        report(kind, ev, ev.target);
      }, true);
    });

    document.addEventListener('submit', function(ev) {
      report('submit', ev, ev.target);
    }, true);

    var scrollTimer = null;
    window.addEventListener('scroll', function() {
      if (scrollTimer) return;
      scrollTimer = setTimeout(function() {
        scrollTimer = null;
        report('scroll', null, null, {scroll_x: window.scrollX, scroll_y: window.scrollY});
      }, 250);
    }, true);
  }, 1000);
})();`
