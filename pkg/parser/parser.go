// Package parser implements the Monad language parser.
package parser

import (
	"fmt"
	"strconv"

	"github.com/laluxx/monadc/pkg/ast"
	"github.com/laluxx/monadc/pkg/diagnostics"
	"github.com/laluxx/monadc/pkg/lexer"
)

type parser struct {
	tokens []lexer.Token
	pos    int
}

// ParseOne tokenizes source and parses a single expression. Used by the
// interactive evaluator.
func ParseOne(source, filename string) (ast.Node, error) {
	p, err := newParser(source, filename)
	if err != nil {
		return nil, err
	}
	return p.parseExpr()
}

// ParseAll tokenizes source and parses the whole file into an ordered
// sequence of top-level expressions.
func ParseAll(source, filename string) ([]ast.Node, error) {
	p, err := newParser(source, filename)
	if err != nil {
		return nil, err
	}
	var exprs []ast.Node
	for p.peek() != lexer.TokEOF {
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
	}
	return exprs, nil
}

func newParser(source, filename string) (*parser, error) {
	tokens, err := lexer.Tokenize(source, filename)
	if err != nil {
		return nil, err
	}
	return &parser{tokens: tokens}, nil
}

func (p *parser) current() lexer.Token {
	if p.pos >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1] // EOF
	}
	return p.tokens[p.pos]
}

func (p *parser) peek() lexer.TokenType {
	return p.current().Type
}

func (p *parser) peekAt(offset int) lexer.TokenType {
	idx := p.pos + offset
	if idx >= len(p.tokens) {
		return lexer.TokEOF
	}
	return p.tokens[idx].Type
}

func (p *parser) advance() lexer.Token {
	tok := p.current()
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return tok
}

func (p *parser) syntaxError(msg string, span ast.Span) error {
	return diagnostics.New(diagnostics.ESyntax, msg, &span)
}

func (p *parser) spanFromTo(start, end ast.Span) ast.Span {
	return ast.Span{
		File:      start.File,
		StartLine: start.StartLine,
		StartCol:  start.StartCol,
		EndLine:   end.EndLine,
		EndCol:    end.EndCol,
	}
}

func tokenName(t lexer.TokenType) string {
	switch t {
	case lexer.TokLParen:
		return "'('"
	case lexer.TokRParen:
		return "')'"
	case lexer.TokLBracket:
		return "'['"
	case lexer.TokRBracket:
		return "']'"
	case lexer.TokSymbol:
		return "symbol"
	case lexer.TokNumber:
		return "number"
	case lexer.TokString:
		return "string"
	case lexer.TokChar:
		return "character"
	case lexer.TokQuote:
		return "quote"
	case lexer.TokArrow:
		return "'->'"
	case lexer.TokEOF:
		return "end of input"
	default:
		return fmt.Sprintf("token(%d)", t)
	}
}

func parseNumberValue(lit string) (float64, bool) {
	if len(lit) > 1 && lit[0] == '0' {
		switch lit[1] {
		case 'x', 'X':
			v, err := strconv.ParseInt(lit[2:], 16, 64)
			return float64(v), err == nil
		case 'b', 'B':
			v, err := strconv.ParseInt(lit[2:], 2, 64)
			return float64(v), err == nil
		case 'o', 'O':
			v, err := strconv.ParseInt(lit[2:], 8, 64)
			return float64(v), err == nil
		}
	}
	v, err := strconv.ParseFloat(lit, 64)
	return v, err == nil
}

func (p *parser) parseExpr() (ast.Node, error) {
	tok := p.current()

	switch tok.Type {
	case lexer.TokNumber:
		p.advance()
		v, ok := parseNumberValue(tok.Value)
		if !ok {
			return nil, p.syntaxError(fmt.Sprintf("invalid number literal '%s'", tok.Value), tok.Span)
		}
		return &ast.Number{Span: tok.Span, Value: v, Literal: tok.Value}, nil

	case lexer.TokSymbol:
		p.advance()
		return &ast.Symbol{Span: tok.Span, Name: tok.Value}, nil

	case lexer.TokString:
		p.advance()
		return &ast.String{Span: tok.Span, Value: tok.Value}, nil

	case lexer.TokChar:
		p.advance()
		return &ast.Char{Span: tok.Span, Value: tok.Value[0]}, nil

	case lexer.TokLParen:
		return p.parseList()

	case lexer.TokLBracket:
		return p.parseBracketList()

	case lexer.TokQuote:
		p.advance()
		quoted, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		span := p.spanFromTo(tok.Span, quoted.NodeSpan())
		return &ast.List{
			Span: span,
			Items: []ast.Node{
				&ast.Symbol{Span: tok.Span, Name: "quote"},
				quoted,
			},
		}, nil

	case lexer.TokArrow:
		// An arrow outside a signature is just the symbol "->".
		p.advance()
		return &ast.Symbol{Span: tok.Span, Name: "->"}, nil

	default:
		return nil, p.syntaxError(fmt.Sprintf("unexpected %s", tokenName(tok.Type)), tok.Span)
	}
}

func (p *parser) parseList() (ast.Node, error) {
	open := p.advance() // consume '('

	// Special grammars triggered by the head symbol.
	if p.peek() == lexer.TokSymbol {
		head := p.current()
		switch head.Value {
		case "lambda":
			return p.parseLambda(open)
		case "define":
			if p.peekAt(1) == lexer.TokLParen {
				return p.parseDefineShortForm(open, head)
			}
		}
	}

	list := &ast.List{}
	for p.peek() != lexer.TokRParen && p.peek() != lexer.TokEOF {
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, item)
	}
	if p.peek() != lexer.TokRParen {
		return nil, p.syntaxError("missing ')'", p.current().Span)
	}
	closeTok := p.advance()
	list.Span = p.spanFromTo(open.Span, closeTok.Span)
	return list, nil
}

func (p *parser) parseBracketList() (ast.Node, error) {
	open := p.advance() // consume '['

	list := &ast.List{}
	for p.peek() != lexer.TokRBracket && p.peek() != lexer.TokEOF {
		item, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, item)
	}
	if p.peek() != lexer.TokRBracket {
		return nil, p.syntaxError("missing ']'", p.current().Span)
	}
	closeTok := p.advance()
	list.Span = p.spanFromTo(open.Span, closeTok.Span)
	return list, nil
}

// parseSignature parses the inside of a function signature after its opening
// '(' has been consumed: a sequence of [name] or [name :: TypeName] bracket
// lists, optionally followed by -> and a return type symbol, closed by ')'.
func (p *parser) parseSignature() ([]ast.Param, string, error) {
	var params []ast.Param

	for p.peek() == lexer.TokLBracket {
		p.advance() // consume '['

		nameTok := p.current()
		if nameTok.Type != lexer.TokSymbol {
			return nil, "", p.syntaxError("malformed function signature: expected parameter name", nameTok.Span)
		}
		p.advance()

		param := ast.Param{Name: nameTok.Value}
		if p.peek() == lexer.TokSymbol && p.current().Value == "::" {
			p.advance()
			typeTok := p.current()
			if typeTok.Type != lexer.TokSymbol {
				return nil, "", p.syntaxError("malformed type annotation: expected type name after '::'", typeTok.Span)
			}
			p.advance()
			param.TypeName = typeTok.Value
		}

		if p.peek() != lexer.TokRBracket {
			return nil, "", p.syntaxError("missing ']'", p.current().Span)
		}
		p.advance()
		params = append(params, param)
	}

	retType := ""
	if p.peek() == lexer.TokArrow {
		p.advance()
		retTok := p.current()
		if retTok.Type != lexer.TokSymbol {
			return nil, "", p.syntaxError("malformed function signature: expected return type after '->'", retTok.Span)
		}
		p.advance()
		retType = retTok.Value
	}

	if p.peek() != lexer.TokRParen {
		return nil, "", p.syntaxError(
			fmt.Sprintf("unexpected %s in function signature", tokenName(p.peek())), p.current().Span)
	}
	p.advance()
	return params, retType, nil
}

// parseLambda parses (lambda (signature) docstring? body) with the opening
// '(' already consumed and the cursor on the lambda symbol.
func (p *parser) parseLambda(open lexer.Token) (ast.Node, error) {
	p.advance() // consume 'lambda'

	if p.peek() != lexer.TokLParen {
		return nil, p.syntaxError("expected '(' to open lambda signature", p.current().Span)
	}
	p.advance()

	params, retType, err := p.parseSignature()
	if err != nil {
		return nil, err
	}

	docstring := ""
	if p.peek() == lexer.TokString && p.peekAt(1) != lexer.TokRParen {
		// A string immediately before ')' is the body, not a docstring.
		docstring = p.advance().Value
	}

	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if p.peek() != lexer.TokRParen {
		return nil, p.syntaxError("missing ')'", p.current().Span)
	}
	closeTok := p.advance()

	return &ast.Lambda{
		Span:       p.spanFromTo(open.Span, closeTok.Span),
		Params:     params,
		ReturnType: retType,
		Docstring:  docstring,
		Body:       body,
	}, nil
}

// parseDefineShortForm parses (define (name signature...) docstring? body)
// and rewrites it to (define name (lambda signature docstring? body)).
func (p *parser) parseDefineShortForm(open, defineTok lexer.Token) (ast.Node, error) {
	p.advance()            // consume 'define'
	sigOpen := p.advance() // consume '('

	nameTok := p.current()
	if nameTok.Type != lexer.TokSymbol {
		return nil, p.syntaxError("expected function name after '(define ('", nameTok.Span)
	}
	p.advance()

	params, retType, err := p.parseSignature()
	if err != nil {
		return nil, err
	}

	docstring := ""
	if p.peek() == lexer.TokString && p.peekAt(1) != lexer.TokRParen {
		// A string immediately before ')' is the body, not a docstring.
		docstring = p.advance().Value
	}

	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	if p.peek() != lexer.TokRParen {
		return nil, p.syntaxError("missing ')'", p.current().Span)
	}
	closeTok := p.advance()

	lambda := &ast.Lambda{
		Span:       p.spanFromTo(sigOpen.Span, closeTok.Span),
		Params:     params,
		ReturnType: retType,
		Docstring:  docstring,
		Body:       body,
	}

	return &ast.List{
		Span: p.spanFromTo(open.Span, closeTok.Span),
		Items: []ast.Node{
			&ast.Symbol{Span: defineTok.Span, Name: "define"},
			&ast.Symbol{Span: nameTok.Span, Name: nameTok.Value},
			lambda,
		},
	}, nil
}
