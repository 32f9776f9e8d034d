// internal/browser/collector.go
package browser

import (
	"fmt"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

// collectorScript walks the body in document order and reports candidate
// nodes. Interactive elements get a stable data-eid attribute (an existing
// one is reused) so repeated snapshots of an unchanged page agree. Elements
// that only carry text are reported without an id; text nested inside an
// interactive element is folded into that element.
const collectorScript = `
(function(opts) {
    const ATTR = %q;
    const SKIP = new Set(['SCRIPT', 'STYLE', 'NOSCRIPT', 'SVG', 'LINK', 'META', 'HEAD', 'TEMPLATE']);
    const TAGS = new Set(['A', 'BUTTON', 'INPUT', 'TEXTAREA', 'SELECT']);
    const ROLES = new Set(['button', 'link', 'textbox', 'searchbox', 'combobox', 'checkbox', 'radio',
        'switch', 'tab', 'menuitem', 'option', 'slider', 'spinbutton', 'listbox']);
    let counter = window.__browserpilotEid || 0;
    const out = [];

    const isVisible = (el) => {
        const rect = el.getBoundingClientRect();
        if (rect.width === 0 && rect.height === 0) return false;
        const style = window.getComputedStyle(el);
        return style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0';
    };
    const directText = (el) => {
        let t = '';
        for (const n of el.childNodes) {
            if (n.nodeType === Node.TEXT_NODE) t += n.textContent;
        }
        return t.trim();
    };
    const isInteractive = (el) => TAGS.has(el.tagName) ||
        ROLES.has((el.getAttribute('role') || '').toLowerCase()) ||
        el.isContentEditable || el.hasAttribute('onclick');

    const walk = (el, depth, inside) => {
        if (out.length >= opts.maxNodes || depth > opts.maxDepth) return;
        if (SKIP.has(el.tagName.toUpperCase())) return;

        const interactive = isInteractive(el);
        if (interactive) {
            let id = el.getAttribute(ATTR);
            if (!id) {
                counter++;
                id = 'e' + counter;
                el.setAttribute(ATTR, id);
            }
            const node = {
                eid: id,
                tag: el.tagName,
                role: el.getAttribute('role') || '',
                text: (el.innerText || el.textContent || '').slice(0, 500),
                type: el.getAttribute('type') || '',
                placeholder: el.getAttribute('placeholder') || '',
                name: el.getAttribute('name') || '',
                aria_label: el.getAttribute('aria-label') || '',
                href: el.getAttribute('href') || '',
                editable: el.isContentEditable,
                clickable: el.hasAttribute('onclick'),
                disabled: el.disabled === true || el.getAttribute('aria-disabled') === 'true',
                visible: isVisible(el),
                depth: depth
            };
            if (el.tagName === 'SELECT') {
                node.options = Array.from(el.options).map(o => o.text);
                const sel = el.options[el.selectedIndex];
                node.value = sel ? sel.text : '';
            } else if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA') {
                node.value = el.value || '';
            }
            out.push(node);
        } else if (!inside) {
            const text = directText(el);
            if (text) {
                out.push({ tag: el.tagName, text: text.slice(0, 500), visible: isVisible(el), depth: depth });
            }
        }

        for (const child of el.children) {
            walk(child, depth + 1, inside || interactive);
        }
    };

    if (document.body) walk(document.body, 0, false);
    window.__browserpilotEid = counter;
    return out;
})(%s)`

// buildCollectorScript renders the collector for the given bounds.
func buildCollectorScript(opts schemas.CollectOptions) string {
	return fmt.Sprintf(collectorScript, schemas.ElementIDAttribute, jsonEncode(map[string]int{
		"maxDepth": opts.MaxDepth,
		"maxNodes": opts.MaxNodes,
	}))
}

const textScript = `
(function(sel, max) {
    const el = document.querySelector(sel);
    if (!el) return null;
    const text = el.innerText || el.textContent || el.value || '';
    return Array.from(text).slice(0, max).join('');
})(%s, %d)`

const countScript = `document.querySelectorAll(%s).length`

// clearScript empties a form control or editable element before typing.
const clearScript = `
(function(sel) {
    const el = document.querySelector(sel);
    if (!el) return false;
    if ('value' in el) {
        el.value = '';
    } else if (el.isContentEditable) {
        el.textContent = '';
    }
    el.dispatchEvent(new Event('input', { bubbles: true }));
    return true;
})(%s)`

// hideAutomationScript runs before any page script in each new document.
const hideAutomationScript = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`
